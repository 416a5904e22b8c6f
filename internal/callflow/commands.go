package callflow

import (
	"fmt"
	"strings"

	"fs-bridge/internal/eventsocket"
)

// Per-channel dialplan application helpers. Each maps to one sendmsg execute
// block against the channel owning the socket.

// Set sets a channel variable ("name=value").
func (s *CallSession) Set(arg string) (eventsocket.CommandReply, error) {
	return s.Execute("set", arg, true)
}

// Unset clears a channel variable.
func (s *CallSession) Unset(name string) (eventsocket.CommandReply, error) {
	return s.Execute("unset", name, true)
}

// GetVar reads a channel variable via uuid_getvar; "" when unset.
func (s *CallSession) GetVar(name string) string {
	res, err := s.API(fmt.Sprintf("uuid_getvar %s %s", s.UniqueID, name))
	if err != nil {
		return ""
	}
	val := strings.TrimSpace(res.Response())
	if val == "_undef_" || strings.HasPrefix(val, "-ERR") {
		return ""
	}
	return val
}

// SetVar writes a channel variable via uuid_setvar.
func (s *CallSession) SetVar(name, value string) error {
	_, err := s.API(fmt.Sprintf("uuid_setvar %s %s %s", s.UniqueID, name, value))
	return err
}

// Answer answers the channel.
func (s *CallSession) Answer() (eventsocket.CommandReply, error) {
	return s.Execute("answer", "", true)
}

// PreAnswer moves the channel to early media.
func (s *CallSession) PreAnswer() (eventsocket.CommandReply, error) {
	return s.Execute("pre_answer", "", true)
}

// Hangup hangs the channel up with the given cause.
func (s *CallSession) Hangup(cause string) (eventsocket.CommandReply, error) {
	return s.Execute("hangup", cause, true)
}

// SchedHangup schedules a hangup ("+secs CAUSE").
func (s *CallSession) SchedHangup(arg string) (eventsocket.CommandReply, error) {
	return s.Execute("sched_hangup", arg, true)
}

// Playback plays a file or file_string, setting the terminators first.
func (s *CallSession) Playback(playStr string, terminators string) (eventsocket.CommandReply, error) {
	if terminators == "" {
		terminators = "none"
	}
	if _, err := s.Set("playback_terminators=" + terminators); err != nil {
		return eventsocket.CommandReply{Event: eventsocket.NewEvent()}, err
	}
	return s.Execute("playback", playStr, true)
}

// Bridge dials out and bridges the channel to the answered leg.
func (s *CallSession) Bridge(dialStr string) (eventsocket.CommandReply, error) {
	return s.Execute("bridge", dialStr, false)
}

// ConferenceJoin puts the channel into a conference room.
func (s *CallSession) ConferenceJoin(room string) (eventsocket.CommandReply, error) {
	return s.Execute("conference", room, false)
}

// RecordSession starts a passive both-legs recording.
func (s *CallSession) RecordSession(file string) (eventsocket.CommandReply, error) {
	return s.Execute("record_session", file, true)
}

// RecordFile records the channel into a file until silence, timeout or a
// terminator key.
func (s *CallSession) RecordFile(file string, maxLenSecs, silenceThreshold, silenceSecs int, terminators string) (eventsocket.CommandReply, error) {
	if terminators != "" {
		if _, err := s.Set("playback_terminators=" + terminators); err != nil {
			return eventsocket.CommandReply{Event: eventsocket.NewEvent()}, err
		}
	}
	arg := fmt.Sprintf("%s %d %d %d", file, maxLenSecs, silenceThreshold, silenceSecs)
	return s.Execute("record", arg, true)
}

// StartDTMF enables inband DTMF detection.
func (s *CallSession) StartDTMF() (eventsocket.CommandReply, error) {
	return s.Execute("start_dtmf", "", true)
}

// StopDTMF disables inband DTMF detection.
func (s *CallSession) StopDTMF() (eventsocket.CommandReply, error) {
	return s.Execute("stop_dtmf", "", true)
}

// SpeakText speaks via a TTS engine ("engine|voice|text").
func (s *CallSession) SpeakText(arg string, loops int) (eventsocket.CommandReply, error) {
	return s.ExecuteLoops("speak", arg, true, loops)
}

// Say plays a phrase via the say application ("lang type method text").
func (s *CallSession) Say(arg string, loops int) (eventsocket.CommandReply, error) {
	return s.ExecuteLoops("say", arg, true, loops)
}

// BindDigitAction installs one digit binding ("realm,digits,exec:app,arg").
func (s *CallSession) BindDigitAction(arg string) (eventsocket.CommandReply, error) {
	return s.Execute("bind_digit_action", arg, true)
}

// DigitActionSetRealm activates a digit binding realm.
func (s *CallSession) DigitActionSetRealm(realm string) (eventsocket.CommandReply, error) {
	return s.Execute("digit_action_set_realm", realm, true)
}

// ClearDigitAction removes a digit binding realm.
func (s *CallSession) ClearDigitAction(realm string) (eventsocket.CommandReply, error) {
	return s.Execute("clear_digit_action", realm, true)
}

// PlayAndGetDigits plays the prompt list and collects digits into the
// pagd_input channel variable.
type PlayAndGetDigitsArgs struct {
	MinDigits   int
	MaxDigits   int
	MaxTries    int
	TimeoutMS   int
	Terminators string
	SoundFiles  []string
	InvalidFile string
	ValidDigits string
	PlayBeep    bool
}

const beepTone = "tone_stream://%(300,200,700)"

// PlayAndGetDigits issues one play_and_get_digits; the caller waits for its
// completion event and reads pagd_input.
func (s *CallSession) PlayAndGetDigits(a PlayAndGetDigitsArgs) (eventsocket.CommandReply, error) {
	var playStr string
	if len(a.SoundFiles) == 0 {
		if a.PlayBeep {
			playStr = beepTone
		} else {
			playStr = "silence_stream://10"
		}
	} else {
		if _, err := s.Set("playback_delimiter=!"); err != nil {
			return eventsocket.CommandReply{Event: eventsocket.NewEvent()}, err
		}
		playStr = "file_string://silence_stream://1"
		for _, f := range a.SoundFiles {
			playStr += "!" + f
		}
		if a.PlayBeep {
			playStr += "!" + beepTone
		}
	}
	invalid := a.InvalidFile
	if invalid == "" {
		invalid = "silence_stream://150"
	}
	var digits []string
	for _, d := range a.ValidDigits {
		if d == '*' {
			digits = append(digits, `\*`)
		} else {
			digits = append(digits, string(d))
		}
	}
	regexp := "(" + strings.Join(digits, "|") + ")+"
	arg := fmt.Sprintf("%d %d %d %d '%s' %s %s %s %s %d",
		a.MinDigits, a.MaxDigits, a.MaxTries, a.TimeoutMS, a.Terminators,
		playStr, invalid, "pagd_input", regexp, a.TimeoutMS)
	return s.Execute("play_and_get_digits", arg, true)
}
