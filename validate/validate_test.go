package validate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percona/migrate-mongo/validate"
)

type sample struct {
	URI     string            `json:"uri"     validate:"required,mongouri"`
	Renames map[string]string `json:"renames" validate:"dive,keys,namespace,endkeys,namespace"`
	Size    int               `json:"size"    validate:"gte=1"`
	Level   string            `json:"level"   validate:"omitempty,oneof=debug info"`
}

func TestStruct(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      sample
		wantErr []string
	}{
		{
			name: "valid",
			in: sample{
				URI:     "localhost:27017",
				Renames: map[string]string{"a.b": "c.d"},
				Size:    1,
			},
		},
		{
			name:    "missing uri",
			in:      sample{Size: 1},
			wantErr: []string{"uri: is required"},
		},
		{
			name:    "bad uri",
			in:      sample{URI: "mongodb://host:notaport", Size: 1},
			wantErr: []string{"uri: must be a valid MongoDB connection string"},
		},
		{
			name: "rename value without collection",
			in: sample{
				URI:     "mongodb://h",
				Renames: map[string]string{"a.b": "c"},
				Size:    1,
			},
			wantErr: []string{`"c" must be a namespace`},
		},
		{
			name: "rename key without database",
			in: sample{
				URI:     "mongodb://h",
				Renames: map[string]string{".b": "c.d"},
				Size:    1,
			},
			wantErr: []string{`".b" must be a namespace`},
		},
		{
			name:    "size below minimum",
			in:      sample{URI: "mongodb://h"},
			wantErr: []string{"size: must be at least 1"},
		},
		{
			name:    "level not listed",
			in:      sample{URI: "mongodb://h", Size: 1, Level: "verbose"},
			wantErr: []string{"level: must be one of: debug, info"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := validate.Struct(tt.in)
			if len(tt.wantErr) == 0 {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)

			var verrs validate.Errors
			require.ErrorAs(t, err, &verrs)
			assert.Len(t, verrs, len(tt.wantErr))

			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}
