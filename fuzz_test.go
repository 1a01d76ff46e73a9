package webcodecs

import (
	"bytes"
	"testing"
)

func FuzzSplitAnnexB(f *testing.F) {
	f.Add(annexB(testAVCSPS, testAVCPPS, testAVCIDR))
	f.Add([]byte{0, 0, 1, 0x65})
	f.Add([]byte{0, 0, 0, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		nals, err := splitAnnexB(data)
		if err != nil {
			return
		}
		lp, err := appendNALsLengthPrefixed(nil, nals, 4)
		if err != nil {
			t.Fatalf("appendNALsLengthPrefixed() error = %v", err)
		}
		back, err := splitLengthPrefixed(lp, 4)
		if err != nil {
			t.Fatalf("splitLengthPrefixed() error = %v", err)
		}
		if len(back) != len(nals) {
			t.Fatalf("round trip = %d NAL units, want %d", len(back), len(nals))
		}
		for i := range nals {
			if !bytes.Equal(back[i], nals[i]) {
				t.Fatalf("NAL %d = % x, want % x", i, back[i], nals[i])
			}
		}
	})
}

func FuzzParseAVCConfig(f *testing.F) {
	f.Add([]byte{0x01, 0x42, 0xc0, 0x1e, 0xff, 0xe1, 0x00, 0x04, 0x67, 0x42, 0xc0, 0x1e, 0x01, 0x00, 0x02, 0x68, 0xce})
	f.Add([]byte{0x01})
	f.Fuzz(func(t *testing.T, data []byte) {
		rec, err := ParseAVCConfig(data)
		if err != nil {
			return
		}
		// Any record that parses must re-encode to the same bytes.
		out, err := rec.Marshal()
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if !bytes.Equal(out, data) {
			t.Fatalf("Marshal() = % x, want % x", out, data)
		}
	})
}

func FuzzParseAudioSpecificConfig(f *testing.F) {
	f.Add([]byte{0x12, 0x10})
	f.Add([]byte{0x11, 0x90, 0x56, 0xe5, 0x00})
	f.Add([]byte{0x2b, 0x11, 0x88})
	f.Fuzz(func(t *testing.T, data []byte) {
		cfg, err := ParseAudioSpecificConfig(data)
		if err != nil {
			return
		}
		out, err := cfg.Marshal()
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		again, err := ParseAudioSpecificConfig(out)
		if err != nil {
			t.Fatalf("ParseAudioSpecificConfig(Marshal()) error = %v", err)
		}
		if again.ObjectType != cfg.ObjectType || again.SampleRate != cfg.SampleRate || again.ChannelConfig != cfg.ChannelConfig {
			t.Fatalf("reparsed %+v, want %+v", again, cfg)
		}
	})
}

func FuzzDetectCodec(f *testing.F) {
	f.Add(annexB(testAVCSPS))
	f.Add(annexB(testHEVCVPS))
	f.Add([]byte{0xff, 0xf1, 0x4c, 0x80, 0x02, 0x3f, 0xfc})
	f.Add([]byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x40, 0x01, 0xf0, 0x00})
	f.Fuzz(func(t *testing.T, data []byte) {
		codec := DetectCodec(data)
		for _, ls := range []int{0, 1, 2, 4} {
			DetectFraming(codec, data, ls)
		}
		chunkIsKey(codec, &EncodedChunk{Data: data}, 0)
	})
}
