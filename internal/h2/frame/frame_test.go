package frame

import (
	"bytes"
	"testing"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// readFrames calls each for every frame in data. A frame is only valid
// during its call.
func readFrames(data []byte, each func(http2.Frame)) int {
	p := NewParser()
	p.InitReader(bytes.NewReader(data))

	n := 0
	for {
		f, err := p.ReadNextFrame()
		if err != nil {
			return n
		}
		each(f)
		n++
	}
}

func TestParserNotInitialized(t *testing.T) {
	if _, err := NewParser().ReadNextFrame(); err == nil {
		t.Error("Expected error from uninitialized parser")
	}
}

func TestWriteHeadersFragments(t *testing.T) {
	tests := []struct {
		name          string
		blockLen      int
		maxFrameSize  uint32
		wantFrames    int
		wantEndStream bool
	}{
		{"empty block", 0, 0, 1, true},
		{"single frame", 10, 0, 1, true},
		{"exact fit", 16, 16, 1, false},
		{"continuations", 40, 16, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			w := NewWriter(&out)
			block := bytes.Repeat([]byte{0x82}, tt.blockLen)
			if err := w.WriteHeaders(1, tt.wantEndStream, block, tt.maxFrameSize); err != nil {
				t.Fatalf("WriteHeaders() error = %v", err)
			}

			var got []byte
			n := readFrames(out.Bytes(), func(f http2.Frame) {
				switch f := f.(type) {
				case *http2.HeadersFrame:
					if len(got) != 0 {
						t.Error("Expected HEADERS first")
					}
					if f.StreamEnded() != tt.wantEndStream {
						t.Errorf("Expected END_STREAM=%v", tt.wantEndStream)
					}
					got = append(got, f.HeaderBlockFragment()...)
				case *http2.ContinuationFrame:
					got = append(got, f.HeaderBlockFragment()...)
				default:
					t.Errorf("Unexpected frame %T", f)
				}
			})
			if n != tt.wantFrames {
				t.Fatalf("Expected %d frames, got %d", tt.wantFrames, n)
			}
			if !bytes.Equal(got, block) {
				t.Errorf("Reassembled block differs: got %d bytes, want %d", len(got), len(block))
			}
		})
	}
}

func TestWriteDeleteAck(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)
	if err := w.WriteDeleteAck(258); err != nil {
		t.Fatalf("WriteDeleteAck() error = %v", err)
	}

	var slot uint32
	var err error
	n := readFrames(out.Bytes(), func(f http2.Frame) {
		uf, ok := f.(*http2.UnknownFrame)
		if !ok {
			t.Errorf("Expected unknown frame, got %T", f)
			return
		}
		if uf.Header().Type != FrameDeleteAck || uf.Header().StreamID != 0 {
			t.Errorf("Unexpected header %+v", uf.Header())
		}
		slot, err = ParseDeleteAck(uf.Payload())
	})
	if n != 1 {
		t.Fatalf("Expected 1 frame, got %d", n)
	}
	if err != nil {
		t.Fatalf("ParseDeleteAck() error = %v", err)
	}
	if slot != 258 {
		t.Errorf("Expected slot 258, got %d", slot)
	}
}

func TestParseDeleteAckLength(t *testing.T) {
	if _, err := ParseDeleteAck([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for short payload")
	}
}

func TestControlFrames(t *testing.T) {
	var out bytes.Buffer
	w := NewWriter(&out)

	if err := w.WriteSettings(http2.Setting{ID: http2.SettingMaxFrameSize, Val: 65535}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSettingsAck(); err != nil {
		t.Fatal(err)
	}
	if err := w.WritePing(true, [8]byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteRSTStream(3, http2.ErrCodeCompression); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteGoAway(3, http2.ErrCodeCompression, []byte("bye")); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	checks := []func(http2.Frame) bool{
		func(f http2.Frame) bool { sf, ok := f.(*http2.SettingsFrame); return ok && !sf.IsAck() },
		func(f http2.Frame) bool { sf, ok := f.(*http2.SettingsFrame); return ok && sf.IsAck() },
		func(f http2.Frame) bool { pf, ok := f.(*http2.PingFrame); return ok && pf.IsAck() },
		func(f http2.Frame) bool {
			rf, ok := f.(*http2.RSTStreamFrame)
			return ok && rf.ErrCode == http2.ErrCodeCompression
		},
		func(f http2.Frame) bool {
			gf, ok := f.(*http2.GoAwayFrame)
			return ok && string(gf.DebugData()) == "bye"
		},
	}
	i := 0
	n := readFrames(out.Bytes(), func(f http2.Frame) {
		if i < len(checks) && !checks[i](f) {
			t.Errorf("frame %d: unexpected %T", i, f)
		}
		i++
	})
	if n != len(checks) {
		t.Fatalf("Expected %d frames, got %d", len(checks), n)
	}
}

func TestHeaderEncoder(t *testing.T) {
	enc := NewHeaderEncoder()
	defer enc.Close()

	fields := []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: "authorization", Value: "secret", Sensitive: true},
	}

	// encode twice so the second block relies on the encoder's table
	var decoded []hpack.HeaderField
	dec := hpack.NewDecoder(4096, func(f hpack.HeaderField) { decoded = append(decoded, f) })
	for i := 0; i < 2; i++ {
		block, err := enc.Encode(fields)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		decoded = decoded[:0]
		if _, err := dec.Write(block); err != nil {
			t.Fatalf("hpack decode error: %v", err)
		}
		if len(decoded) != 2 {
			t.Fatalf("Expected 2 fields, got %v", decoded)
		}
		if decoded[0].Name != ":method" || decoded[0].Value != "GET" {
			t.Errorf("Unexpected first field %v", decoded[0])
		}
		if !decoded[1].Sensitive {
			t.Error("Expected sensitive field to stay never-indexed")
		}
	}
}
