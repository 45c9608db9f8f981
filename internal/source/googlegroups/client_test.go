package googlegroups

import (
	"errors"
	"testing"

	"github.com/emersion/go-imap/v2"
)

func TestAssembleMailsReportsUndeliveredUIDs(t *testing.T) {
	collectErr := errors.New("connection reset")
	requested := []imap.UID{13, 11, 12, 14}
	bodies := map[uint32][]byte{
		11: []byte("a"),
		13: []byte("c"),
	}
	failures := map[uint32]error{12: collectErr}

	mails := assembleMails(requested, bodies, failures)
	if len(mails) != 4 {
		t.Fatalf("expected one entry per requested UID, got %d", len(mails))
	}

	tests := []struct {
		uid     uint32
		data    string
		wantErr error
	}{
		{11, "a", nil},
		{12, "", collectErr},
		{13, "c", nil},
		{14, "", errNotReturned},
	}
	for i, tt := range tests {
		got := mails[i]
		if got.UID != tt.uid {
			t.Errorf("entry %d: expected UID %d, got %d", i, tt.uid, got.UID)
		}
		if string(got.Data) != tt.data {
			t.Errorf("UID %d: expected data %q, got %q", tt.uid, tt.data, got.Data)
		}
		if !errors.Is(got.Err, tt.wantErr) {
			t.Errorf("UID %d: expected error %v, got %v", tt.uid, tt.wantErr, got.Err)
		}
	}
}
