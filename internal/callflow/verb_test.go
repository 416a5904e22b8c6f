package callflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDocumentBasicFlow(t *testing.T) {
	doc := []byte(`<Response>
		<Speak loop="2" voice="kal">hello there</Speak>
		<Play loop="3">http://media.example.com/greeting.mp3</Play>
		<Wait length="5"/>
		<Hangup reason="rejected"/>
	</Response>`)

	verbs, err := ParseDocument(doc)
	require.NoError(t, err)
	require.Len(t, verbs, 4)

	speak := verbs[0].(*SpeakVerb)
	assert.Equal(t, "hello there", speak.Text)
	assert.Equal(t, "kal", speak.Voice)
	assert.Equal(t, "en", speak.Language)
	assert.Equal(t, "flite", speak.Engine)
	assert.Equal(t, 2, speak.Loop)

	play := verbs[1].(*PlayVerb)
	assert.Equal(t, "http://media.example.com/greeting.mp3", play.Source)
	assert.Equal(t, 3, play.Loop)

	wait := verbs[2].(*WaitVerb)
	assert.Equal(t, 5, wait.Length)
	assert.False(t, wait.TransferEnabled)

	hangup := verbs[3].(*HangupVerb)
	assert.Equal(t, "CALL_REJECTED", hangup.Reason)
}

func TestParseDocumentRejectsBadRoot(t *testing.T) {
	_, err := ParseDocument([]byte(`<Reply><Hangup/></Reply>`))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestParseDocumentRejectsUnknownVerb(t *testing.T) {
	_, err := ParseDocument([]byte(`<Response><Shout>hi</Shout></Response>`))
	assert.ErrorIs(t, err, ErrUnknownVerb)
}

func TestParseDocumentRejectsBadNesting(t *testing.T) {
	_, err := ParseDocument([]byte(`<Response><Number>1002</Number></Response>`))
	require.NoError(t, err) // Number parses at top level, Execute rejects it

	_, err = ParseDocument([]byte(`<Response><GetDigits><Hangup/></GetDigits></Response>`))
	assert.ErrorIs(t, err, ErrFormat)

	_, err = ParseDocument([]byte(`<Response><Dial><Play>f.wav</Play></Dial></Response>`))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestParsePlayValidation(t *testing.T) {
	_, err := ParseDocument([]byte(`<Response><Play></Play></Response>`))
	assert.ErrorIs(t, err, ErrFormat)

	_, err = ParseDocument([]byte(`<Response><Play loop="-1">f.wav</Play></Response>`))
	assert.ErrorIs(t, err, ErrFormat)

	verbs, err := ParseDocument([]byte(`<Response><Play loop="0">f.wav</Play></Response>`))
	require.NoError(t, err)
	assert.Equal(t, MaxLoops, verbs[0].(*PlayVerb).Loop)
}

func TestParseRedirectValidation(t *testing.T) {
	_, err := ParseDocument([]byte(`<Response><Redirect method="PUT">http://x.example.com/</Redirect></Response>`))
	assert.ErrorIs(t, err, ErrAttribute)

	_, err = ParseDocument([]byte(`<Response><Redirect/></Response>`))
	assert.ErrorIs(t, err, ErrFormat)

	verbs, err := ParseDocument([]byte(`<Response><Redirect method="GET">http://x.example.com/next/</Redirect></Response>`))
	require.NoError(t, err)
	redirect := verbs[0].(*RedirectVerb)
	assert.Equal(t, "http://x.example.com/next/", redirect.URL)
	assert.Equal(t, "GET", redirect.Method)
}

func TestParseGetDigits(t *testing.T) {
	doc := []byte(`<Response>
		<GetDigits action="http://x.example.com/digits/" numDigits="120" timeout="7" retries="2" playBeep="true">
			<Play>prompt.wav</Play>
			<Speak>press one</Speak>
		</GetDigits>
	</Response>`)

	verbs, err := ParseDocument(doc)
	require.NoError(t, err)
	gd := verbs[0].(*GetDigitsVerb)
	assert.Equal(t, 99, gd.NumDigits) // clamped
	assert.Equal(t, 7000, gd.TimeoutMS)
	assert.Equal(t, 2, gd.Retries)
	assert.True(t, gd.PlayBeep)
	assert.Equal(t, "#", gd.FinishOnKey)
	assert.Equal(t, "0123456789*#", gd.ValidDigits)
	assert.Equal(t, "http://x.example.com/digits/", gd.Action)
	assert.Len(t, gd.Children, 2)
}

func TestParseGetDigitsValidation(t *testing.T) {
	_, err := ParseDocument([]byte(`<Response><GetDigits numDigits="0"/></Response>`))
	assert.ErrorIs(t, err, ErrFormat)

	_, err = ParseDocument([]byte(`<Response><GetDigits timeout="0"/></Response>`))
	assert.ErrorIs(t, err, ErrFormat)

	_, err = ParseDocument([]byte(`<Response><GetDigits retries="0"/></Response>`))
	assert.ErrorIs(t, err, ErrFormat)

	// A junk action URL is dropped, not fatal.
	verbs, err := ParseDocument([]byte(`<Response><GetDigits action="not a url"/></Response>`))
	require.NoError(t, err)
	assert.Empty(t, verbs[0].(*GetDigitsVerb).Action)
}

func TestParseDial(t *testing.T) {
	doc := []byte(`<Response>
		<Dial timeLimit="120" timeout="25" callerId="5550100" confirmKey="5" redirect="false">
			<Number gateways="sofia/gateway/gw1/,user/" gatewayCodecs="'PCMA,PCMU','G729'"
				gatewayTimeouts="10,20" gatewayRetries="1,2" sendDigits="w123">1002,gotcha</Number>
		</Dial>
	</Response>`)

	verbs, err := ParseDocument(doc)
	require.NoError(t, err)
	dial := verbs[0].(*DialVerb)
	assert.Equal(t, 120, dial.TimeLimit)
	assert.Equal(t, 25, dial.Timeout)
	assert.Equal(t, "5550100", dial.CallerID)
	assert.Equal(t, "5", dial.ConfirmKey)
	assert.False(t, dial.RedirectAction)
	require.Len(t, dial.Numbers, 1)

	num := dial.Numbers[0]
	assert.Equal(t, "1002", num.Number) // separator injection stripped
	assert.Equal(t, []string{"sofia/gateway/gw1", "user"}, num.Gateways)
	assert.Equal(t, []string{"'PCMA,PCMU'", "'G729'"}, num.GatewayCodecs)
	assert.Equal(t, []string{"10", "20"}, num.GatewayTimeouts)
	assert.Equal(t, "w123", num.SendDigits)
}

func TestParseDialDefaults(t *testing.T) {
	verbs, err := ParseDocument([]byte(`<Response><Dial timeout="-5" timeLimit="0"/></Response>`))
	require.NoError(t, err)
	dial := verbs[0].(*DialVerb)
	assert.Equal(t, dialDefaultTimeout, dial.Timeout)
	assert.Equal(t, dialDefaultTimeLimit, dial.TimeLimit)
	assert.True(t, dial.RedirectAction)
	assert.Equal(t, "POST", dial.Method)
}

func TestParseConferenceValidation(t *testing.T) {
	_, err := ParseDocument([]byte(`<Response><Conference></Conference></Response>`))
	assert.ErrorIs(t, err, ErrFormat)

	verbs, err := ParseDocument([]byte(`<Response><Conference muted="true" maxMembers="500">sales</Conference></Response>`))
	require.NoError(t, err)
	conf := verbs[0].(*ConferenceVerb)
	assert.Equal(t, "sales", conf.Room)
	assert.True(t, conf.Muted)
	assert.Equal(t, conferenceMaxMembers, conf.MaxMembers) // clamped
}

func TestParseWaitValidation(t *testing.T) {
	_, err := ParseDocument([]byte(`<Response><Wait length="0"/></Response>`))
	assert.ErrorIs(t, err, ErrFormat)
}

func TestSpeakPromptString(t *testing.T) {
	v := &SpeakVerb{Text: "it's done", Engine: "flite", Voice: "slt", Language: "en"}
	assert.Equal(t, `say:flite:slt:'it\'s done'`, v.promptString())

	v = &SpeakVerb{Text: "42", Language: "en", ItemType: "NUMBER", Method: "PRONOUNCED"}
	assert.Equal(t, "${say_string en.wav en NUMBER PRONOUNCED '42'}", v.promptString())
}

func TestSplitQuoted(t *testing.T) {
	assert.Equal(t, []string{"'PCMA,PCMU'", "'G729'"}, splitQuoted("'PCMA,PCMU','G729'"))
	assert.Equal(t, []string{`"a,b"`, "c"}, splitQuoted(`"a,b",c`))
	assert.Equal(t, []string{"plain"}, splitQuoted("plain"))
}

func TestSessionHelpers(t *testing.T) {
	assert.Equal(t, "inner", substringBetween("a[inner]b", "[", "]"))
	assert.Equal(t, "", substringBetween("no markers", "[", "]"))

	dir, file := splitPath("/var/rec/call.mp3")
	assert.Equal(t, "/var/rec", dir)
	assert.Equal(t, "call.mp3", file)

	base, ext := splitExt("call.mp3")
	assert.Equal(t, "call", base)
	assert.Equal(t, "mp3", ext)
}
