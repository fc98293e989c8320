package opaque

import (
	"strings"
	"testing"
	"time"
)

// FuzzVerify feeds arbitrary strings to Verify. Nothing may panic, every
// rejection carries a reason, and anything accepted must be exactly the
// token the codec would have minted for the returned metadata.
func FuzzVerify(f *testing.F) {
	c, err := NewCodec(Config{
		CurrentVersion: "v1",
		Keys:           map[string][]byte{"v1": []byte(strings.Repeat("f", 32))},
	})
	if err != nil {
		f.Fatalf("new codec: %v", err)
	}

	f.Add("")
	f.Add("....")
	f.Add("v1.refresh.0.AAAA.AAAA")
	f.Add("!!!not-a-token!!!")
	if token, _, err := c.Issue(TypeRefresh, time.Hour); err == nil {
		f.Add(token)
		f.Add(token + "x")
		f.Add(strings.Replace(token, "refresh", "access", 1))
	}

	f.Fuzz(func(t *testing.T, input string) {
		meta, err := c.Verify(input, TypeRefresh)
		if err != nil {
			if ReasonOf(err) == "" {
				t.Fatalf("rejection without reason: %v", err)
			}
			return
		}

		if meta.Type != TypeRefresh {
			t.Fatalf("accepted token of type %q", meta.Type)
		}
		parts := strings.Split(input, separator)
		want := c.mac(c.keys[meta.Version], meta.Version, string(meta.Type), parts[2], meta.Random)
		if parts[4] != want || parts[3] != meta.Random {
			t.Fatalf("accepted token does not match its metadata: %q", input)
		}
	})
}
