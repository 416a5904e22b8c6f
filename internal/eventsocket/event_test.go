package eventsocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderFirstOccurrenceWins(t *testing.T) {
	ev := NewEvent()
	ev.SetHeader("Event-Name", "CHANNEL_ANSWER")
	ev.SetHeader("Event-Name", "CHANNEL_HANGUP")
	ev.SetHeader("Unique-ID", "abc-123")

	assert.Equal(t, "CHANNEL_ANSWER", ev.Name())
	assert.Equal(t, 2, ev.Len())
	assert.Equal(t, []string{"Event-Name", "Unique-ID"}, ev.Headers())
	assert.True(t, ev.Has("Unique-ID"))
	assert.False(t, ev.Has("Job-UUID"))
	assert.Equal(t, "none", ev.GetDefault("Job-UUID", "none"))
}

func TestParseHeaderBlockDecodesValues(t *testing.T) {
	block := []byte("Event-Name: CHANNEL_HANGUP\n" +
		"Caller-Caller-ID-Name: John%20Doe\n" +
		"Hangup-Cause: NORMAL_CLEARING\n" +
		"variable_sip_full_from: %3Csip%3A1002%40host%3E\n")

	ev, err := ParseHeaderBlock(block)
	require.NoError(t, err)
	assert.Equal(t, "CHANNEL_HANGUP", ev.Name())
	assert.Equal(t, "John Doe", ev.Get("Caller-Caller-ID-Name"))
	assert.Equal(t, "<sip:1002@host>", ev.Get("variable_sip_full_from"))
}

func TestParseHeaderBlockKeepsUndecodableValues(t *testing.T) {
	ev, err := ParseHeaderBlock([]byte("Broken: 100%zz\n"))
	require.NoError(t, err)
	assert.Equal(t, "100%zz", ev.Get("Broken"))
}

func TestParseHeaderBlockTrailingBody(t *testing.T) {
	block := []byte("Event-Name: BACKGROUND_JOB\n" +
		"Job-UUID: job-1\n" +
		"Content-Length: 10\n" +
		"\n" +
		"+OK uuid-9")

	ev, err := ParseHeaderBlock(block)
	require.NoError(t, err)
	assert.Equal(t, "BACKGROUND_JOB", ev.Name())
	assert.Equal(t, "job-1", ev.Get("Job-UUID"))
	assert.Equal(t, "+OK uuid-9", string(ev.Body))
}

func TestParseHeaderBlockHeaderLimit(t *testing.T) {
	var block []byte
	for i := 0; i <= MaxHeaderLines; i++ {
		block = append(block, []byte("X-Junk: y\n")...)
	}
	_, err := ParseHeaderBlock(block)
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestParseJSONBody(t *testing.T) {
	body := []byte(`{"Event-Name":"CUSTOM","Event-Subclass":"conference::maintenance","_body":"digits 5"}`)
	ev, err := ParseJSONBody(body)
	require.NoError(t, err)
	assert.Equal(t, "CUSTOM", ev.Name())
	assert.Equal(t, "conference::maintenance", ev.Get("Event-Subclass"))
	assert.Equal(t, "digits 5", string(ev.Body))
}

func TestParseJSONBodyRejectsGarbage(t *testing.T) {
	_, err := ParseJSONBody([]byte("not json"))
	assert.Error(t, err)
}

func TestTypedReplies(t *testing.T) {
	ok := NewEvent()
	ok.SetHeader("Reply-Text", "+OK accepted")
	assert.True(t, CommandReply{ok}.Success())

	bad := NewEvent()
	bad.SetHeader("Reply-Text", "-ERR invalid")
	assert.False(t, CommandReply{bad}.Success())

	api := NewEvent()
	api.Body = []byte("+OK 1234-5678")
	assert.True(t, APIResponse{api}.Success())
	assert.Equal(t, "+OK 1234-5678", APIResponse{api}.Response())

	bg := NewEvent()
	bg.SetHeader("Reply-Text", "+OK Job-UUID: j-1")
	bg.SetHeader("Job-UUID", "j-1")
	assert.True(t, BgapiReply{bg}.Success())
	assert.Equal(t, "j-1", BgapiReply{bg}.JobUUID())
}
