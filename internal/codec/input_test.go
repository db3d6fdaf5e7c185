package codec

import (
	"testing"

	"keyscape.gg/internal/protocol"
)

func TestDecodeInput_ValidFrame(t *testing.T) {
	raw := []byte(`{"type":"INPUT","protocol_version":"1.0","tick":42,"seq":7,"move":[1,-0.5]}`)
	in, rej := DecodeInput(raw)
	if rej != nil {
		t.Fatalf("rejected valid frame: %v", rej)
	}
	if in.Tick != 42 || in.Seq != 7 || in.Move != [2]float64{1, -0.5} {
		t.Fatalf("decoded = %+v", in)
	}
}

func TestDecodeInput_Rejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		code string
	}{
		{"wrong version", `{"type":"INPUT","protocol_version":"0.9","tick":1,"seq":1,"move":[0,0]}`, protocol.ErrProtoVersion},
		{"missing seq", `{"type":"INPUT","protocol_version":"1.0","tick":1,"move":[0,0]}`, protocol.ErrProtoBadRequest},
		{"seq zero", `{"type":"INPUT","protocol_version":"1.0","tick":1,"seq":0,"move":[0,0]}`, protocol.ErrProtoBadRequest},
		{"move out of range", `{"type":"INPUT","protocol_version":"1.0","tick":1,"seq":1,"move":[5,0]}`, protocol.ErrProtoBadRequest},
		{"move wrong arity", `{"type":"INPUT","protocol_version":"1.0","tick":1,"seq":1,"move":[1]}`, protocol.ErrProtoBadRequest},
		{"extra field", `{"type":"INPUT","protocol_version":"1.0","tick":1,"seq":1,"move":[0,0],"x":1}`, protocol.ErrProtoBadRequest},
		{"not json", `{{{`, protocol.ErrProtoBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, rej := DecodeInput([]byte(tc.raw))
			if rej == nil {
				t.Fatal("frame accepted")
			}
			if rej.Code != tc.code {
				t.Fatalf("code = %s, want %s", rej.Code, tc.code)
			}
		})
	}
}
