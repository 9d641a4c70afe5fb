package boxctl

import "testing"

func TestDecodeExit(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		want    ExitResult
	}{
		{"empty", nil, ExitResult{}},
		{"clean exit code", []byte{7, 0}, ExitResult{Code: 7}},
		{"signaled", []byte{9, 1}, ExitResult{Code: 9, Signaled: true}},
		{"single byte treated as unsignaled", []byte{3}, ExitResult{Code: 3}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decodeExit(tc.payload)
			if got != tc.want {
				t.Errorf("decodeExit(%v) = %+v, want %+v", tc.payload, got, tc.want)
			}
		})
	}
}
