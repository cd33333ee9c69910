package store

import (
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordString(t *testing.T) {
	assert.Equal(t, "a@mail.test:pw", Record{Email: "a@mail.test", Password: "pw"}.String())
	assert.Equal(t, "a@mail.test:pw:key", Record{Email: "a@mail.test", Password: "pw", APIKey: "key"}.String())
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Record
		wantErr string
	}{
		{name: "two fields", line: "a@mail.test:pw", want: Record{Email: "a@mail.test", Password: "pw"}},
		{name: "three fields", line: "a@mail.test:pw:key_123", want: Record{Email: "a@mail.test", Password: "pw", APIKey: "key_123"}},
		{name: "trailing newline", line: "a@mail.test:pw\r\n", want: Record{Email: "a@mail.test", Password: "pw"}},
		{name: "one field", line: "a@mail.test", wantErr: "got 1"},
		{name: "four fields", line: "a:b:c:d", wantErr: "got 4"},
		{name: "empty key", line: "a@mail.test:pw:", wantErr: "field 3 is empty"},
		{name: "empty email", line: ":pw", wantErr: "field 1 is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRecord(tt.line)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseRecord mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRecordValidate(t *testing.T) {
	assert.NoError(t, Record{Email: "a@mail.test", Password: "p"}.Validate())
	assert.Error(t, Record{Email: "a@mail.test"}.Validate())
	assert.ErrorContains(t, Record{Email: "a@mail.test", Password: "p:q"}.Validate(), "password")
	assert.ErrorContains(t, Record{Email: "a@mail.test", Password: "p", APIKey: "k\n"}.Validate(), "api_key")
}

func TestReadRecords(t *testing.T) {
	in := strings.Join([]string{
		"a@mail.test:pw1:key1",
		"",
		"broken",
		"b@mail.test:pw2",
		"c:d:e:f",
	}, "\n")

	records, bad, err := ReadRecords(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []Record{
		{Email: "a@mail.test", Password: "pw1", APIKey: "key1"},
		{Email: "b@mail.test", Password: "pw2"},
	}, records)
	require.Len(t, bad, 2)
	assert.Equal(t, 3, bad[0].Line)
	assert.Equal(t, 5, bad[1].Line)
	assert.Contains(t, bad[0].Error(), "line 3")
}

func FuzzRecordRoundTrip(f *testing.F) {
	f.Add([]byte("seed"))
	f.Fuzz(func(t *testing.T, data []byte) {
		c := fuzz.NewConsumer(data)
		var rec Record
		if err := c.GenerateStruct(&rec); err != nil {
			return
		}
		if rec.Validate() != nil {
			return
		}

		got, err := ParseRecord(rec.String())
		require.NoError(t, err)
		if diff := cmp.Diff(rec, got); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	})
}
