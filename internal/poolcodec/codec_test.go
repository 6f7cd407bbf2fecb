package poolcodec_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eenlars/alive-sub006/internal/poolcodec"
)

type sample struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestDecoder_FeedSingleFrame(t *testing.T) {
	d := poolcodec.NewDecoder()
	msgs, errs, fatal := d.Feed([]byte(`{"name":"a","n":1}` + "\n"))
	require.NoError(t, fatal)
	assert.Empty(t, errs)
	require.Len(t, msgs, 1)

	var s sample
	require.NoError(t, json.Unmarshal(msgs[0], &s))
	assert.Equal(t, "a", s.Name)
	assert.Equal(t, 1, s.N)
}

func TestDecoder_FeedAcrossChunkBoundaries(t *testing.T) {
	d := poolcodec.NewDecoder()
	full := `{"name":"split","n":7}` + "\n"

	var all []json.RawMessage
	for i := 0; i < len(full); i++ {
		msgs, errs, fatal := d.Feed([]byte{full[i]})
		require.NoError(t, fatal)
		assert.Empty(t, errs)
		all = append(all, msgs...)
	}
	require.Len(t, all, 1)

	var s sample
	require.NoError(t, json.Unmarshal(all[0], &s))
	assert.Equal(t, "split", s.Name)
	assert.Equal(t, 7, s.N)
}

func TestDecoder_MultipleFramesInOneChunk(t *testing.T) {
	d := poolcodec.NewDecoder()
	chunk := `{"name":"a","n":1}` + "\n" + `{"name":"b","n":2}` + "\n" + `{"name":"c","n":3}` + "\n"
	msgs, errs, fatal := d.Feed([]byte(chunk))
	require.NoError(t, fatal)
	assert.Empty(t, errs)
	require.Len(t, msgs, 3)

	var names []string
	for _, m := range msgs {
		var s sample
		require.NoError(t, json.Unmarshal(m, &s))
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestDecoder_MalformedLineIsNonFatalAndParsingResumes(t *testing.T) {
	d := poolcodec.NewDecoder()
	chunk := `{"name":"good1","n":1}` + "\n" + `not json at all` + "\n" + `{"name":"good2","n":2}` + "\n"
	msgs, errs, fatal := d.Feed([]byte(chunk))
	require.NoError(t, fatal)
	require.Len(t, errs, 1)

	var parseErr *poolcodec.ParseError
	assert.ErrorAs(t, errs[0], &parseErr)

	require.Len(t, msgs, 2)
	var s1, s2 sample
	require.NoError(t, json.Unmarshal(msgs[0], &s1))
	require.NoError(t, json.Unmarshal(msgs[1], &s2))
	assert.Equal(t, "good1", s1.Name)
	assert.Equal(t, "good2", s2.Name)
}

func TestDecoder_BlankLinesAreSkipped(t *testing.T) {
	d := poolcodec.NewDecoder()
	chunk := "\n\n" + `{"name":"a","n":1}` + "\n\n"
	msgs, errs, fatal := d.Feed([]byte(chunk))
	require.NoError(t, fatal)
	assert.Empty(t, errs)
	require.Len(t, msgs, 1)
}

func TestDecoder_FatalWhenFrameExceedsMaxBuffer(t *testing.T) {
	d := poolcodec.NewDecoder()
	oversized := bytes.Repeat([]byte("x"), poolcodec.MaxFrameBuffer+1)

	msgs, _, fatal := d.Feed(oversized)
	assert.ErrorIs(t, fatal, poolcodec.ErrFrameTooLarge)
	assert.Empty(t, msgs)

	_, _, fatal = d.Feed([]byte("\n"))
	assert.Error(t, fatal, "decoder must refuse further feeds after a fatal error")
}

func TestDecoder_FlushParsesResidualBytes(t *testing.T) {
	d := poolcodec.NewDecoder()
	msgs, errs, fatal := d.Feed([]byte(`{"name":"complete","n":1}` + "\n" + `{"name":"partial","n":2}`))
	require.NoError(t, fatal)
	assert.Empty(t, errs)
	require.Len(t, msgs, 1)

	residual, err := d.Flush()
	require.NoError(t, err)
	require.NotNil(t, residual)

	var s sample
	require.NoError(t, json.Unmarshal(residual, &s))
	assert.Equal(t, "partial", s.Name)
}

func TestDecoder_FlushOnEmptyBufferReturnsNil(t *testing.T) {
	d := poolcodec.NewDecoder()
	residual, err := d.Flush()
	assert.NoError(t, err)
	assert.Nil(t, residual)
}

func TestDecoder_FlushInvalidResidueIsNonFatal(t *testing.T) {
	d := poolcodec.NewDecoder()
	_, _, fatal := d.Feed([]byte(`not valid json`))
	require.NoError(t, fatal)

	residual, err := d.Flush()
	assert.Error(t, err)
	assert.Nil(t, residual)

	var parseErr *poolcodec.ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestEncoder_EncodeWritesNewlineDelimitedJSON(t *testing.T) {
	var buf bytes.Buffer
	enc := poolcodec.NewEncoder(&buf)

	require.NoError(t, enc.Encode(sample{Name: "a", N: 1}))
	require.NoError(t, enc.Encode(sample{Name: "b", N: 2}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var s1, s2 sample
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &s1))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &s2))
	assert.Equal(t, "a", s1.Name)
	assert.Equal(t, "b", s2.Name)
}

func TestEncoder_RoundTripsThroughDecoder(t *testing.T) {
	var buf bytes.Buffer
	enc := poolcodec.NewEncoder(&buf)
	require.NoError(t, enc.Encode(sample{Name: "roundtrip", N: 42}))

	d := poolcodec.NewDecoder()
	msgs, errs, fatal := d.Feed(buf.Bytes())
	require.NoError(t, fatal)
	assert.Empty(t, errs)
	require.Len(t, msgs, 1)

	var s sample
	require.NoError(t, json.Unmarshal(msgs[0], &s))
	assert.Equal(t, "roundtrip", s.Name)
	assert.Equal(t, 42, s.N)
}
