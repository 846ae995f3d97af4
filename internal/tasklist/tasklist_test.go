package tasklist

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `# Build plan

Some intro text.

- [ ] Set up project scaffolding
- [x] Write the schema
[ ] Implement the API layer
free text in the middle
- [ ] Add tests
`

func TestListPending(t *testing.T) {
	t.Parallel()

	l := Parse(sampleDoc)
	pending := l.ListPending()

	require.Len(t, pending, 3)
	assert.Equal(t, 1, pending[0].Ordinal)
	assert.Equal(t, "Set up project scaffolding", pending[0].Text)
	assert.Equal(t, "- [ ] Set up project scaffolding", pending[0].Line)
	assert.Equal(t, 2, pending[1].Ordinal)
	assert.Equal(t, "Implement the API layer", pending[1].Text)
	assert.Equal(t, "[ ] Implement the API layer", pending[1].Line)
	assert.Equal(t, 3, pending[2].Ordinal)
	assert.Equal(t, "Add tests", pending[2].Text)
}

func TestOrdinalsRecomputedAfterCompletion(t *testing.T) {
	t.Parallel()

	l := Parse(sampleDoc)
	first := l.ListPending()[0]

	_, err := l.MarkDone(first.Line)
	require.NoError(t, err)

	pending := l.ListPending()
	require.Len(t, pending, 2)
	// "Implement the API layer" shifts from ordinal 2 to 1.
	assert.Equal(t, 1, pending[0].Ordinal)
	assert.Equal(t, "Implement the API layer", pending[0].Text)
}

func TestMarkDone(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		doc     string
		line    string
		wantErr bool
		want    string
	}{
		{
			name: "dash prefix preserved",
			doc:  "- [ ] do a thing",
			line: "- [ ] do a thing",
			want: "- [x] do a thing",
		},
		{
			name: "bare checkbox",
			doc:  "[ ] do a thing",
			line: "[ ] do a thing",
			want: "[x] do a thing",
		},
		{
			name: "first occurrence only",
			doc:  "- [ ] dup\n- [ ] dup",
			line: "- [ ] dup",
			want: "- [x] dup\n- [ ] dup",
		},
		{
			name:    "absent line",
			doc:     "- [ ] real task",
			line:    "- [ ] imagined task",
			wantErr: true,
		},
		{
			name:    "already done line is not pending",
			doc:     "- [x] finished",
			line:    "- [x] finished",
			wantErr: true,
		},
		{
			name:    "free text is not a task",
			doc:     "just prose",
			line:    "just prose",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.doc).MarkDone(tt.line)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, eris.Is(err, ErrTaskNotFound))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDoubleMarkDoneFails(t *testing.T) {
	t.Parallel()

	l := Parse("- [ ] only task")
	_, err := l.MarkDone("- [ ] only task")
	require.NoError(t, err)

	_, err = l.MarkDone("- [ ] only task")
	assert.True(t, eris.Is(err, ErrTaskNotFound))
}

func TestSerializeRoundTrip(t *testing.T) {
	t.Parallel()

	l := Parse(sampleDoc)
	reparsed := Parse(l.Serialize())

	assert.Equal(t, sampleDoc, reparsed.Serialize())
	assert.Equal(t, l.ListPending(), reparsed.ListPending())

	done, total := l.Progress()
	done2, total2 := reparsed.Progress()
	assert.Equal(t, done, done2)
	assert.Equal(t, total, total2)
}

func TestProgress(t *testing.T) {
	t.Parallel()

	done, total := Parse(sampleDoc).Progress()
	assert.Equal(t, 1, done)
	assert.Equal(t, 4, total)

	done, total = Parse("").Progress()
	assert.Zero(t, done)
	assert.Zero(t, total)
}
