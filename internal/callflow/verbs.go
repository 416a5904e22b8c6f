package callflow

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"fs-bridge/internal/eventsocket"
	"fs-bridge/internal/webhook"
)

// ---- Wait ----

// WaitVerb pauses the call flow.
type WaitVerb struct {
	Length          int
	TransferEnabled bool
}

func (v *WaitVerb) VerbName() string { return "Wait" }

func parseWait(n *node) (Verb, error) {
	a := attrMap(n.attrs())
	length := a.integer("length", 1)
	if length < 1 {
		return nil, fmt.Errorf("%w: Wait 'length' must be a positive integer", ErrFormat)
	}
	return &WaitVerb{
		Length:          length,
		TransferEnabled: a.boolean("transferEnabled"),
	}, nil
}

func (v *WaitVerb) Execute(s *CallSession) (*Redirect, error) {
	s.log.Infof("waiting %d seconds", v.Length)
	ms := v.Length * 1000
	if v.TransferEnabled {
		// Silence playback can be broken by a transfer or hangup.
		pause := fmt.Sprintf("file_string://silence_stream://%d", ms)
		if _, err := s.Playback(pause, "none"); err != nil {
			return nil, err
		}
	} else {
		if _, err := s.Execute("sleep", fmt.Sprintf("%d", ms), true); err != nil {
			return nil, err
		}
	}
	s.WaitForAction()
	return nil, nil
}

// ---- Play ----

// PlayVerb plays a local file or remote media.
type PlayVerb struct {
	Source string // body text: path or URL
	Loop   int    // MaxLoops means endless

	resolved string
}

func (v *PlayVerb) VerbName() string { return "Play" }

func parsePlay(n *node) (Verb, error) {
	a := attrMap(n.attrs())
	loop, err := a.loopTimes("loop")
	if err != nil {
		return nil, err
	}
	source := n.text()
	if source == "" {
		return nil, fmt.Errorf("%w: no file to play set", ErrFormat)
	}
	return &PlayVerb{Source: source, Loop: loop}, nil
}

func (v *PlayVerb) prepare(s *CallSession) {
	v.resolved = s.resolveMedia(v.Source)
}

func (v *PlayVerb) Execute(s *CallSession) (*Redirect, error) {
	file := v.resolved
	if file == "" {
		file = s.resolveMedia(v.Source)
	}
	if v.Loop >= MaxLoops {
		if _, err := s.Execute("endless_playback", file, true); err != nil {
			return nil, err
		}
		s.WaitForAction()
		return nil, nil
	}
	res, err := s.Playback(file, "none")
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		s.log.WithField("reply", res.ReplyText()).Error("playback failed")
		return nil, nil
	}
	// One completion per remaining iteration.
	for i := 1; i < v.Loop; i++ {
		ev := s.WaitForAction()
		if ev.Len() == 0 {
			s.log.Warn("play interrupted")
			return nil, nil
		}
		if _, err := s.Playback(file, "none"); err != nil {
			return nil, err
		}
	}
	ev := s.WaitForAction()
	if ev.Len() == 0 {
		s.log.Warn("play interrupted")
	}
	return nil, nil
}

// ---- Speak ----

var speakTypes = map[string]bool{
	"NUMBER": true, "ITEMS": true, "PERSONS": true, "MESSAGES": true,
	"CURRENCY": true, "TIME_MEASUREMENT": true, "CURRENT_DATE": true,
	"CURRENT_TIME": true, "CURRENT_DATE_TIME": true, "TELEPHONE_NUMBER": true,
	"TELEPHONE_EXTENSION": true, "URL": true, "IP_ADDRESS": true,
	"EMAIL_ADDRESS": true, "POSTAL_ADDRESS": true, "ACCOUNT_NUMBER": true,
	"NAME_SPELLED": true, "NAME_PHONETIC": true, "SHORT_DATE_TIME": true,
}

var speakMethods = map[string]bool{
	"PRONOUNCED": true, "ITERATED": true, "COUNTED": true,
}

// SpeakVerb speaks text through a TTS engine or the say module.
type SpeakVerb struct {
	Text     string
	Voice    string
	Language string
	Loop     int
	Engine   string
	ItemType string
	Method   string
}

func (v *SpeakVerb) VerbName() string { return "Speak" }

func parseSpeak(n *node) (Verb, error) {
	a := attrMap(n.attrs())
	loop, err := a.loopTimes("loop")
	if err != nil {
		return nil, err
	}
	v := &SpeakVerb{
		Text:     n.text(),
		Voice:    a.str("voice"),
		Language: a.str("language"),
		Loop:     loop,
		Engine:   a.str("engine"),
	}
	if t := a.str("type"); speakTypes[t] {
		v.ItemType = t
	}
	if m := a.str("method"); speakMethods[m] {
		v.Method = m
	}
	return v, nil
}

// promptString renders this Speak as one play-string fragment for prompt
// lists (GetDigits, conference wait music).
func (v *SpeakVerb) promptString() string {
	text := strings.ReplaceAll(v.Text, "'", `\'`)
	if v.ItemType != "" && v.Method != "" {
		args := fmt.Sprintf("%s.wav %s %s %s '%s'", v.Language, v.Language, v.ItemType, v.Method, text)
		return fmt.Sprintf("${say_string %s}", args)
	}
	return fmt.Sprintf("say:%s:%s:'%s'", v.Engine, v.Voice, text)
}

func (v *SpeakVerb) Execute(s *CallSession) (*Redirect, error) {
	var res eventsocket.CommandReply
	var err error
	if v.ItemType != "" && v.Method != "" {
		arg := fmt.Sprintf("%s %s %s %s", v.Language, v.ItemType, v.Method, v.Text)
		res, err = s.Say(arg, v.Loop)
	} else {
		arg := fmt.Sprintf("%s|%s|%s", v.Engine, v.Voice, v.Text)
		res, err = s.SpeakText(arg, v.Loop)
	}
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		s.log.Error("speak failed")
		return nil, nil
	}
	for i := 0; i < v.Loop; i++ {
		ev := s.WaitForAction()
		if ev.Len() == 0 {
			s.log.Warn("speak interrupted")
			return nil, nil
		}
	}
	return nil, nil
}

// ---- Hangup ----

// HangupVerb ends the call, immediately or on a schedule.
type HangupVerb struct {
	Reason   string // mapped cause, "" = NORMAL_CLEARING
	Schedule int
}

func (v *HangupVerb) VerbName() string { return "Hangup" }

func parseHangup(n *node) (Verb, error) {
	a := attrMap(n.attrs())
	v := &HangupVerb{Schedule: a.integer("schedule", 0)}
	switch a.str("reason") {
	case "rejected":
		v.Reason = "CALL_REJECTED"
	case "busy":
		v.Reason = "USER_BUSY"
	}
	return v, nil
}

func (v *HangupVerb) Execute(s *CallSession) (*Redirect, error) {
	if v.Schedule > 0 {
		res, err := s.SchedHangup(fmt.Sprintf("+%d ALLOTTED_TIMEOUT", v.Schedule))
		if err != nil {
			return nil, err
		}
		if res.Success() {
			s.log.Infof("hangup scheduled in %d seconds", v.Schedule)
		} else {
			s.log.WithField("reply", res.ReplyText()).Error("scheduled hangup failed")
		}
		return nil, nil
	}
	cause := v.Reason
	if cause == "" {
		cause = "NORMAL_CLEARING"
	}
	s.log.WithField("cause", cause).Info("hanging up")
	if _, err := s.Hangup(cause); err != nil {
		return nil, err
	}
	return nil, nil
}

// ---- Redirect ----

// RedirectVerb fetches a new document from the given URL.
type RedirectVerb struct {
	URL    string
	Method string
}

func (v *RedirectVerb) VerbName() string { return "Redirect" }

func parseRedirectVerb(n *node) (Verb, error) {
	a := attrMap(n.attrs())
	method, err := a.method("method")
	if err != nil {
		return nil, err
	}
	target := n.text()
	if target == "" {
		return nil, fmt.Errorf("%w: Redirect must have a URL", ErrFormat)
	}
	return &RedirectVerb{URL: target, Method: method}, nil
}

func (v *RedirectVerb) Execute(s *CallSession) (*Redirect, error) {
	return &Redirect{URL: v.URL, Method: v.Method, Params: url.Values{}}, nil
}

// ---- PreAnswer ----

// PreAnswerVerb moves the call to early media and runs its children before
// the call is answered.
type PreAnswerVerb struct {
	Children []Verb
}

func (v *PreAnswerVerb) VerbName() string { return "PreAnswer" }

func parsePreAnswer(n *node) (Verb, error) {
	children, err := parseChildren(n)
	if err != nil {
		return nil, err
	}
	return &PreAnswerVerb{Children: children}, nil
}

func (v *PreAnswerVerb) prepare(s *CallSession) {
	for _, child := range v.Children {
		if p, ok := child.(preparer); ok {
			p.prepare(s)
		}
	}
}

func (v *PreAnswerVerb) Execute(s *CallSession) (*Redirect, error) {
	if _, err := s.PreAnswer(); err != nil {
		return nil, err
	}
	for _, child := range v.Children {
		redirect, err := child.Execute(s)
		if err != nil {
			return nil, err
		}
		if redirect != nil {
			return redirect, nil
		}
	}
	s.log.Info("preanswer completed")
	return nil, nil
}

// ---- Number ----

// NumberVerb describes one destination inside Dial.
type NumberVerb struct {
	Number          string
	SendDigits      string
	SendOnPreanswer bool
	Gateways        []string
	GatewayCodecs   []string
	GatewayTimeouts []string
	GatewayRetries  []string
	ExtraDialString string
}

func (v *NumberVerb) VerbName() string { return "Number" }

func parseNumber(n *node) (Verb, error) {
	a := attrMap(n.attrs())
	// Separators are stripped to keep a number noun from injecting extra
	// dial targets.
	number := n.text()
	if i := strings.IndexAny(number, ",|"); i >= 0 {
		number = number[:i]
	}
	v := &NumberVerb{
		Number:          number,
		SendDigits:      a.str("sendDigits"),
		SendOnPreanswer: a.str("sendOnPreanswer") == "true",
		ExtraDialString: a.str("extraDialString"),
	}
	if gw := a.str("gateways"); gw != "" {
		for _, g := range strings.Split(gw, ",") {
			v.Gateways = append(v.Gateways, strings.TrimRight(strings.TrimSpace(g), "/"))
		}
	}
	if c := a.str("gatewayCodecs"); c != "" {
		v.GatewayCodecs = splitQuoted(c)
	}
	if t := a.str("gatewayTimeouts"); t != "" {
		v.GatewayTimeouts = strings.Split(t, ",")
	}
	if r := a.str("gatewayRetries"); r != "" {
		v.GatewayRetries = strings.Split(r, ",")
	}
	return v, nil
}

func (v *NumberVerb) Execute(s *CallSession) (*Redirect, error) {
	return nil, fmt.Errorf("%w: Number cannot execute outside Dial", ErrFormat)
}

// splitQuoted splits on commas outside single or double quotes.
func splitQuoted(s string) []string {
	var out []string
	var b strings.Builder
	var quote rune
	for _, r := range s {
		switch {
		case quote == 0 && (r == '\'' || r == '"'):
			quote = r
			b.WriteRune(r)
		case quote == r:
			quote = 0
			b.WriteRune(r)
		case r == ',' && quote == 0:
			out = append(out, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	out = append(out, b.String())
	return out
}

// ---- GetDigits ----

// GetDigitsVerb collects DTMF from the caller, optionally redirecting the
// digits to an action URL.
type GetDigitsVerb struct {
	NumDigits   int
	TimeoutMS   int
	FinishOnKey string
	Retries     int
	PlayBeep    bool
	ValidDigits string
	InvalidFile string
	Action      string
	Method      string
	Children    []Verb
}

func (v *GetDigitsVerb) VerbName() string { return "GetDigits" }

func parseGetDigits(n *node) (Verb, error) {
	a := attrMap(n.attrs())
	numDigits := a.integer("numDigits", 99)
	if numDigits > 99 {
		numDigits = 99
	}
	if numDigits < 1 {
		return nil, fmt.Errorf("%w: GetDigits 'numDigits' must be greater than 0", ErrFormat)
	}
	timeout := a.integer("timeout", 5)
	if timeout < 1 {
		return nil, fmt.Errorf("%w: GetDigits 'timeout' must be a positive integer", ErrFormat)
	}
	retries := a.integer("retries", 1)
	if retries <= 0 {
		return nil, fmt.Errorf("%w: GetDigits 'retries' must be greater than 0", ErrFormat)
	}
	method, err := a.method("method")
	if err != nil {
		return nil, err
	}
	children, err := parseChildren(n)
	if err != nil {
		return nil, err
	}
	v := &GetDigitsVerb{
		NumDigits:   numDigits,
		TimeoutMS:   timeout * 1000,
		FinishOnKey: a.str("finishOnKey"),
		Retries:     retries,
		PlayBeep:    a.boolean("playBeep"),
		ValidDigits: a.str("validDigits"),
		InvalidFile: a.str("invalidDigitsSound"),
		Method:      method,
		Children:    children,
	}
	if action := a.str("action"); validActionURL(action) {
		v.Action = action
	}
	return v, nil
}

func (v *GetDigitsVerb) prepare(s *CallSession) {
	for _, child := range v.Children {
		if p, ok := child.(preparer); ok {
			p.prepare(s)
		}
	}
}

// promptFiles flattens Play/Speak/Wait children into the ordered playback
// fragment list.
func promptFiles(s *CallSession, children []Verb) []string {
	var files []string
	for _, child := range children {
		switch c := child.(type) {
		case *PlayVerb:
			file := c.resolved
			if file == "" {
				file = s.resolveMedia(c.Source)
			}
			for i := 0; i < c.Loop; i++ {
				files = append(files, file)
			}
			if c.Loop >= MaxLoops {
				return files
			}
		case *WaitVerb:
			files = append(files, fmt.Sprintf("file_string://silence_stream://%d", c.Length*1000))
		case *SpeakVerb:
			frag := c.promptString()
			for i := 0; i < c.Loop; i++ {
				files = append(files, frag)
			}
		}
	}
	return files
}

func (v *GetDigitsVerb) Execute(s *CallSession) (*Redirect, error) {
	files := promptFiles(s, v.Children)
	s.log.WithField("prompts", len(files)).Info("collecting digits")
	_, err := s.PlayAndGetDigits(PlayAndGetDigitsArgs{
		MinDigits:   1,
		MaxDigits:   v.NumDigits,
		MaxTries:    v.Retries,
		TimeoutMS:   v.TimeoutMS,
		Terminators: v.FinishOnKey,
		SoundFiles:  files,
		InvalidFile: v.InvalidFile,
		ValidDigits: v.ValidDigits,
		PlayBeep:    v.PlayBeep,
	})
	if err != nil {
		return nil, err
	}
	s.WaitForAction()
	digits := s.GetVar("pagd_input")
	if digits != "" && v.Action != "" {
		s.log.WithField("digits", digits).Info("digits received")
		params := url.Values{}
		params.Set("Digits", digits)
		return &Redirect{URL: v.Action, Params: params, Method: v.Method}, nil
	}
	s.log.Info("no digits received")
	return nil, nil
}

// ---- Record ----

// RecordVerb records the caller, or both legs passively.
type RecordVerb struct {
	MaxLength   int
	TimeoutSecs int
	FinishOnKey string
	FilePath    string
	PlayBeep    bool
	FileFormat  string
	FileName    string
	BothLegs    bool
	Action      string
	Method      string
}

const recordSilenceThreshold = 500

func (v *RecordVerb) VerbName() string { return "Record" }

func parseRecord(n *node) (Verb, error) {
	a := attrMap(n.attrs())
	format := a.str("fileFormat")
	if format != "wav" && format != "mp3" {
		return nil, fmt.Errorf("%w: Record format must be 'wav' or 'mp3'", ErrFormat)
	}
	maxLength := a.integer("maxLength", 0)
	if maxLength < 1 {
		return nil, fmt.Errorf("%w: Record 'maxLength' must be a positive integer", ErrFormat)
	}
	timeout := a.integer("timeout", 0)
	if timeout < 1 {
		return nil, fmt.Errorf("%w: Record 'timeout' must be a positive integer", ErrFormat)
	}
	method, err := a.method("method")
	if err != nil {
		return nil, err
	}
	path := a.str("filePath")
	if path != "" && !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return &RecordVerb{
		MaxLength:   maxLength,
		TimeoutSecs: timeout,
		FinishOnKey: a.str("finishOnKey"),
		FilePath:    path,
		PlayBeep:    a.boolean("playBeep"),
		FileFormat:  format,
		FileName:    a.str("fileName"),
		BothLegs:    a.boolean("bothLegs"),
		Action:      a.str("action"),
		Method:      method,
	}, nil
}

func (v *RecordVerb) Execute(s *CallSession) (*Redirect, error) {
	filename := v.FileName
	if filename == "" {
		filename = fmt.Sprintf("%s_%s", time.Now().Format("20060102-150405"), s.CallUUID)
	}
	recordFile := fmt.Sprintf("%s%s.%s", v.FilePath, filename, v.FileFormat)

	var completion *Event
	if v.BothLegs {
		if _, err := s.Set("RECORD_STEREO=true"); err != nil {
			return nil, err
		}
		if _, err := s.Set("media_bug_answer_req=true"); err != nil {
			return nil, err
		}
		if _, err := s.RecordSession(recordFile); err != nil {
			return nil, err
		}
		if _, err := s.API(fmt.Sprintf("sched_api +%d none uuid_record %s stop %s",
			v.MaxLength, s.CallUUID, recordFile)); err != nil {
			return nil, err
		}
		s.log.Info("both-legs recording started")
	} else {
		if v.PlayBeep {
			if _, err := s.Playback(beepTone, "none"); err != nil {
				return nil, err
			}
			s.WaitForAction()
		}
		if _, err := s.StartDTMF(); err != nil {
			return nil, err
		}
		s.log.Info("recording started")
		if _, err := s.RecordFile(recordFile, v.MaxLength, recordSilenceThreshold,
			v.TimeoutSecs, v.FinishOnKey); err != nil {
			return nil, err
		}
		completion = s.WaitForAction()
		if _, err := s.StopDTMF(); err != nil {
			return nil, err
		}
		s.log.Info("recording completed")
	}

	if v.Action == "" || !validActionURL(v.Action) {
		return nil, nil
	}
	params := url.Values{}
	params.Set("RecordingFileFormat", v.FileFormat)
	params.Set("RecordingFilePath", v.FilePath)
	params.Set("RecordingFileName", filename)
	params.Set("RecordFile", recordFile)
	if v.BothLegs {
		// Recording still in progress; no duration or digits yet.
		params.Set("RecordingDuration", "-1")
		params.Set("Digits", "")
	} else {
		duration := "-1"
		terminator := ""
		if completion != nil {
			if v := completion.Get("variable_record_ms"); v != "" {
				duration = v
			}
			terminator = completion.Get("variable_playback_terminator_used")
		}
		params.Set("RecordingDuration", duration)
		params.Set("Digits", terminator)
	}
	return &Redirect{URL: v.Action, Params: params, Method: v.Method}, nil
}

func validActionURL(u string) bool {
	return u != "" && webhook.ValidURL(u)
}
