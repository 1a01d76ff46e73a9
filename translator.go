package webcodecs

import "fmt"

// framer converts between the container framing a session exposes and the
// framing native engines consume and produce: Annex B for H.264/H.265, raw
// access units for AAC, codec payloads for everything else.
type framer struct {
	codec     Codec
	bitstream BitstreamFormat // encoder output framing for H.264/H.265
	aac       AACFormat       // encoder output framing for AAC

	// fallbackASC describes AAC output when the engine reports no
	// extradata.
	fallbackASC *AudioSpecificConfig

	record      ConfigRecord // active description, nil until known
	lengthSize  int
	description []byte
}

// newDecodeFramer returns a framer for a decoder configured with an
// optional description.
func newDecodeFramer(codec Codec, description []byte) (*framer, error) {
	f := &framer{codec: codec}
	if len(description) == 0 {
		return f, nil
	}
	switch codec {
	case CodecAVC, CodecHEVC, CodecAAC:
		rec, err := ParseConfigRecord(codec, description)
		if err != nil {
			return nil, err
		}
		f.setRecord(rec, description)
	default:
		f.description = append([]byte(nil), description...)
	}
	return f, nil
}

func newEncodeFramer(codec Codec, bitstream BitstreamFormat, aac AACFormat, asc *AudioSpecificConfig) *framer {
	return &framer{codec: codec, bitstream: bitstream, aac: aac, fallbackASC: asc}
}

func (f *framer) setRecord(rec ConfigRecord, raw []byte) {
	f.record = rec
	f.lengthSize = recordLengthSize(rec)
	f.description = raw
}

// nativeExtradata returns the out-of-band configuration handed to a native
// decoder: parameter sets in Annex B for H.264/H.265, the description for
// everything else.
func (f *framer) nativeExtradata() []byte {
	if f.record == nil {
		return f.description
	}
	if f.codec.UsesNALUnits() {
		return recordParameterSets(f.record).AnnexB()
	}
	return f.description
}

// decodeInput reframes one encoded chunk for the native decoder, writing the
// result into buf.
func (f *framer) decodeInput(chunk *EncodedChunk, buf *Buffer) error {
	data := chunk.Data
	if len(data) == 0 {
		return fmt.Errorf("%w: empty chunk", ErrData)
	}
	framing := chunk.Framing
	if framing == FramingUnknown {
		framing = DetectFraming(f.codec, data, f.lengthSize)
	}

	switch f.codec {
	case CodecAVC, CodecHEVC:
		switch framing {
		case FramingLengthPrefixed:
			ls := f.lengthSize
			if ls == 0 {
				ls = 4
			}
			out, err := appendLengthPrefixedAsAnnexB(buf.data[:0], data, ls)
			if err != nil {
				return err
			}
			buf.data = out
			return nil
		case FramingAnnexB:
			nals, err := splitAnnexB(data)
			if err != nil {
				return err
			}
			if f.record == nil {
				f.learnParameterSets(collectParameterSets(f.codec, nals))
			}
			buf.data = append(buf.data[:0], data...)
			return nil
		default:
			return fmt.Errorf("%w: %s chunk is neither Annex B nor length-prefixed", ErrData, f.codec)
		}

	case CodecAAC:
		switch framing {
		case FramingADTS:
			raw, h, err := StripADTS(data)
			if err != nil {
				return err
			}
			if f.record == nil {
				asc := h.AudioSpecificConfig()
				if b, err := asc.Marshal(); err == nil {
					f.setRecord(asc, b)
				}
			}
			buf.data = append(buf.data[:0], raw...)
			return nil
		case FramingRaw:
			if f.record == nil {
				return fmt.Errorf("%w: raw AAC requires a description", ErrData)
			}
			buf.data = append(buf.data[:0], data...)
			return nil
		default:
			return fmt.Errorf("%w: AAC chunk framing %s", ErrData, framing)
		}

	default:
		buf.data = append(buf.data[:0], data...)
		return nil
	}
}

// learnParameterSets synthesizes a description from in-band parameter sets
// once a complete set has been seen.
func (f *framer) learnParameterSets(ps ParameterSets) {
	if !ps.Complete() {
		return
	}
	rec, err := SynthesizeConfigRecord(ps)
	if err != nil {
		return
	}
	b, err := rec.Marshal()
	if err != nil {
		return
	}
	f.setRecord(rec, b)
}

// encodeOutput reframes one native encoder output. extradata is the
// engine's out-of-band configuration, if it reports one.
func (f *framer) encodeOutput(data, extradata []byte) ([]byte, Framing, error) {
	switch f.codec {
	case CodecAVC, CodecHEVC:
		nals, err := splitAnnexB(data)
		if err != nil {
			return nil, FramingUnknown, err
		}
		if f.record == nil {
			ps := collectParameterSets(f.codec, nals)
			if len(extradata) > 0 {
				if extra, err := splitAnnexB(extradata); err == nil {
					ps = collectParameterSets(f.codec, extra)
				}
			}
			f.learnParameterSets(ps)
		}
		if f.bitstream == BitstreamFormatAnnexB {
			return data, FramingAnnexB, nil
		}
		if f.record == nil {
			return nil, FramingUnknown, fmt.Errorf("%w: no parameter sets before first %s access unit", ErrData, f.codec)
		}
		kept := nals[:0:0]
		for _, nal := range nals {
			if !isParameterSetType(f.codec, nalUnitType(f.codec, nal)) {
				kept = append(kept, nal)
			}
		}
		out, err := appendNALsLengthPrefixed(make([]byte, 0, len(data)), kept, f.lengthSize)
		if err != nil {
			return nil, FramingUnknown, err
		}
		return out, FramingLengthPrefixed, nil

	case CodecAAC:
		if f.record == nil {
			asc := f.fallbackASC
			if len(extradata) > 0 {
				parsed, err := ParseAudioSpecificConfig(extradata)
				if err != nil {
					return nil, FramingUnknown, err
				}
				asc = parsed
			}
			if asc == nil {
				return nil, FramingUnknown, fmt.Errorf("%w: no AudioSpecificConfig for AAC output", ErrData)
			}
			b, err := asc.Marshal()
			if err != nil {
				return nil, FramingUnknown, err
			}
			f.setRecord(asc, b)
		}
		if f.aac == AACFormatADTS {
			out, err := WrapADTS(data, f.record.(*AudioSpecificConfig))
			return out, FramingADTS, err
		}
		return data, FramingRaw, nil

	default:
		if f.description == nil && len(extradata) > 0 {
			f.description = append([]byte(nil), extradata...)
		}
		return data, FramingRaw, nil
	}
}

// outputDescription returns the description consumers of the output need,
// nil when the output framing carries its configuration in band.
func (f *framer) outputDescription() []byte {
	switch f.codec {
	case CodecAVC, CodecHEVC:
		if f.bitstream == BitstreamFormatAnnexB {
			return nil
		}
	case CodecAAC:
		if f.aac == AACFormatADTS {
			return nil
		}
	}
	return f.description
}

// codecString returns the codec string derived from the active record, or
// fallback when none is known.
func (f *framer) codecString(fallback string) string {
	if f.record != nil {
		if s := recordCodecString(f.record); s != "" {
			return s
		}
	}
	return fallback
}
