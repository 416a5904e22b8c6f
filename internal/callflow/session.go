package callflow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"fs-bridge/internal/cache"
	"fs-bridge/internal/eventsocket"
	"fs-bridge/internal/webhook"
)

// outboundFilter is the extra event subscription installed on top of
// myevents; conference maintenance events drive the Conference verb.
const outboundFilter = "CUSTOM conference::maintenance"

// Config carries the per-server settings shared by all call sessions.
type Config struct {
	DefaultAnswerURL  string
	DefaultHangupURL  string
	DefaultHTTPMethod string
	ExtraFSVars       []string
	JSONEvents        bool
}

// CallSession drives one answered or ringing channel through its call-flow
// document.
type CallSession struct {
	*eventsocket.Session
	log   *logrus.Entry
	web   *webhook.Client
	cache *cache.ResourceCache
	cfg   Config

	CallUUID  string
	Direction string

	targetURL string
	hangupURL string
	params    url.Values

	answered    bool
	currentVerb string
}

// NewCallSession wraps an outbound session.
func NewCallSession(sess *eventsocket.Session, web *webhook.Client, rc *cache.ResourceCache, cfg Config, log *logrus.Entry) *CallSession {
	if cfg.DefaultHTTPMethod != "GET" {
		cfg.DefaultHTTPMethod = "POST"
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &CallSession{
		Session: sess,
		log:     log,
		web:     web,
		cache:   rc,
		cfg:     cfg,
		params:  url.Values{},
	}
	sess.OnEvent("CUSTOM", s.onCustom)
	sess.OnHangup(s.onHangup)
	return s
}

// Ready reports whether the channel is still up and connected.
func (s *CallSession) Ready() bool {
	return s.Connected() && !s.HungUp()
}

// Run performs the session handshake, selects the target URL and processes
// the document loop. It always returns with the session finished.
func (s *CallSession) Run() {
	if err := s.Startup(s.cfg.JSONEvents, outboundFilter); err != nil {
		s.log.WithError(err).Error("session startup failed")
		return
	}
	s.CallUUID = s.UniqueID
	s.log = s.log.WithField("call_uuid", s.CallUUID)

	s.Set("plivo_app=true")

	channel := s.ChannelData
	s.Direction = channel.Get("Call-Direction")
	s.params.Set("To", strings.TrimPrefix(channel.Get("Caller-Destination-Number"), "+"))
	s.params.Set("From", strings.TrimPrefix(channel.Get("Caller-Caller-ID-Number"), "+"))
	s.params.Set("CallUUID", s.CallUUID)
	s.params.Set("Direction", s.Direction)

	var schedHangupID string
	if s.Direction == "outbound" {
		// Channel vars ride in the channel data on outbound legs.
		if v := channel.Get("Caller-Unique-ID"); v != "" {
			s.params.Set("ALegUUID", v)
		}
		if v := channel.Get("variable_plivo_request_uuid"); v != "" {
			s.params.Set("ALegRequestUUID", v)
		}
		switch {
		case channel.Get("variable_plivo_transfer_url") != "":
			s.targetURL = channel.Get("variable_plivo_transfer_url")
		case channel.Get("variable_plivo_answer_url") != "":
			s.targetURL = channel.Get("variable_plivo_answer_url")
		default:
			s.log.Error("aborting, no call url found")
			return
		}
		schedHangupID = channel.Get("variable_plivo_sched_hangup_id")
		// Hangup notification for originated calls belongs to the bridge's
		// inbound dispatcher, not to this session.
		s.hangupURL = ""
		s.params.Set("CallStatus", "in-progress")
	} else {
		xferURL := s.GetVar("plivo_transfer_url")
		answerURL := s.GetVar("plivo_answer_url")
		switch {
		case xferURL != "":
			s.targetURL = xferURL
		case answerURL != "":
			s.targetURL = answerURL
		case s.cfg.DefaultAnswerURL != "":
			s.targetURL = s.cfg.DefaultAnswerURL
		default:
			s.log.Error("aborting, no call url found")
			return
		}
		schedHangupID = s.GetVar("plivo_sched_hangup_id")
		switch {
		case s.GetVar("plivo_hangup_url") != "":
			s.hangupURL = s.GetVar("plivo_hangup_url")
		case s.cfg.DefaultHangupURL != "":
			s.hangupURL = s.cfg.DefaultHangupURL
		case answerURL != "":
			s.hangupURL = answerURL
		default:
			s.hangupURL = s.cfg.DefaultAnswerURL
		}
		s.params.Set("CallStatus", "ringing")
	}

	if schedHangupID != "" {
		s.params.Set("ScheduledHangupId", schedHangupID)
		s.Unset("plivo_sched_hangup_id")
	}
	if diversion := channel.Get("variable_sip_h_Diversion"); diversion != "" {
		if fwd := substringBetween(diversion, ":", "@"); fwd != "" {
			s.params.Set("ForwardedFrom", strings.TrimPrefix(fwd, "+"))
		}
	}
	for _, v := range s.cfg.ExtraFSVars {
		v = strings.TrimSpace(v)
		if val := channel.Get(v); v != "" && val != "" {
			s.params.Set(v, val)
		}
	}

	s.log.WithField("target_url", s.targetURL).Info("processing call")
	s.processCall()
	s.log.Info("processing call ended")
}

// processCall fetches, parses and executes documents until the flow ends,
// bounded by MaxRedirects.
func (s *CallSession) processCall() {
	params := url.Values{}
	method := s.cfg.DefaultHTTPMethod
	for i := 0; i < MaxRedirects; i++ {
		if s.HungUp() {
			s.log.Info("channel hung up, ending call processing")
			return
		}
		doc, err := s.fetchDocument(params, method)
		if err != nil {
			s.log.WithError(err).Error("document fetch failed")
			return
		}
		if len(doc) == 0 {
			s.log.Warn("empty document response")
			return
		}
		verbs, err := ParseDocument(doc)
		if err != nil {
			s.log.WithError(err).Error("document parse failed")
			return
		}
		redirect, err := s.executeVerbs(verbs)
		if err != nil {
			if errors.Is(err, eventsocket.ErrSessionHangup) {
				s.log.Info("channel hung up during execution")
			} else {
				s.log.WithError(err).Error("document execution failed")
			}
			return
		}
		if redirect == nil {
			s.log.Info("end of call flow")
			return
		}
		s.targetURL = redirect.URL
		params = redirect.Params
		method = redirect.Method
		if method == "" {
			method = "POST"
		}
		s.log.WithFields(logrus.Fields{"url": s.targetURL, "method": method}).Info("redirecting")
	}
	s.log.Warn("max redirects reached")
}

// executeVerbs runs the parsed verbs in document order, answering inbound
// calls before the first verb that requires media. A nil, nil return means
// the document ran to completion and the call is finished.
func (s *CallSession) executeVerbs(verbs []Verb) (*Redirect, error) {
	for _, v := range verbs {
		if p, ok := v.(preparer); ok {
			p.prepare(s)
		}
		if s.Direction == "inbound" && !s.answered && needsAnswer(v.VerbName()) {
			s.log.WithField("verb", v.VerbName()).Debug("answering channel")
			if _, err := s.Answer(); err != nil {
				return nil, err
			}
			s.answered = true
		}
		s.currentVerb = v.VerbName()
		s.log.WithField("verb", v.VerbName()).Info("executing verb")
		redirect, err := v.Execute(s)
		s.currentVerb = ""
		if err != nil {
			return nil, err
		}
		if redirect != nil {
			return redirect, nil
		}
	}
	s.finishCall()
	return nil, nil
}

// needsAnswer reports whether the verb requires an answered channel.
func needsAnswer(name string) bool {
	switch name {
	case "Wait", "Reject", "PreAnswer", "Dial", "Hangup":
		return false
	}
	return true
}

// finishCall hangs up after the last verb unless a transfer took over the
// channel, and fires the hangup callback.
func (s *CallSession) finishCall() {
	if s.HungUp() {
		return
	}
	if s.GetVar("plivo_transfer_progress") == "true" {
		s.log.Info("no more verbs, transfer in progress")
		return
	}
	s.log.Info("no more verbs, hanging up")
	s.params.Set("CallStatus", "completed")
	s.Hangup("NORMAL_CLEARING")
	if s.hangupURL != "" {
		s.params.Set("HangupCause", "NORMAL_CLEARING")
		params := cloneValues(s.params)
		go s.web.Post(s.hangupURL, params, s.cfg.DefaultHTTPMethod)
	}
}

// fetchDocument retrieves the current target URL with the session params
// plus any redirect params.
func (s *CallSession) fetchDocument(extra url.Values, method string) ([]byte, error) {
	params := cloneValues(s.params)
	for k, vs := range extra {
		for _, v := range vs {
			params.Set(k, v)
		}
	}
	return s.web.Fetch(s.targetURL, params, method)
}

// onHangup posts the hangup callback and, when a Record verb left file info
// on the channel, the recording callback.
func (s *CallSession) onHangup(ev *Event) {
	cause := ev.Get("Hangup-Cause")
	if s.hangupURL != "" {
		s.params.Set("HangupCause", cause)
		s.params.Set("CallStatus", "completed")
		params := cloneValues(s.params)
		go s.web.Post(s.hangupURL, params, s.cfg.DefaultHTTPMethod)
	}
	if recordFile := ev.Get("variable_plivo_record_file"); recordFile != "" {
		s.postRecordInfo(ev, recordFile)
	}
}

func (s *CallSession) postRecordInfo(ev *Event, recordFile string) {
	action := ev.Get("variable_plivo_record_action")
	method := ev.Get("variable_plivo_record_method")
	if action == "" {
		return
	}
	dir, name := splitPath(recordFile)
	name, format := splitExt(name)
	duration := ev.Get("variable_record_ms")
	if duration == "" {
		duration = "-1"
	}
	params := url.Values{}
	params.Set("RecordingFileFormat", format)
	params.Set("RecordingFilePath", dir)
	params.Set("RecordingFileName", name)
	params.Set("RecordFile", recordFile)
	params.Set("RecordingDuration", duration)
	params.Set("Digits", ev.Get("variable_playback_terminator_used"))
	go s.web.Post(action, params, method)
}

// onCustom handles conference maintenance events for the channel currently
// inside a Conference verb.
func (s *CallSession) onCustom(ev *Event) {
	if s.currentVerb != "Conference" ||
		ev.Get("Event-Subclass") != "conference::maintenance" ||
		ev.Get("Unique-ID") != s.CallUUID {
		return
	}
	switch ev.Get("Action") {
	case "add-member", "floor-change":
		s.EnqueueAction(ev)
	case "kick":
		room := ev.Get("Conference-Name")
		member := ev.Get("Member-ID")
		if room != "" && member != "" {
			s.BGAPI(fmt.Sprintf("conference %s kick %s", room, member))
			s.log.WithFields(logrus.Fields{"room": room, "member": member}).Warn("member kicked on star")
		}
	case "digits-match":
		action := ev.Get("Callback-Url")
		method := ev.Get("Callback-Method")
		if action == "" || method == "" {
			return
		}
		params := url.Values{}
		params.Set("ConferenceMemberID", ev.Get("Member-ID"))
		params.Set("ConferenceUUID", ev.Get("Conference-Unique-ID"))
		params.Set("ConferenceName", ev.Get("Conference-Name"))
		params.Set("ConferenceDigitsMatch", ev.Get("Digits-Match"))
		params.Set("ConferenceAction", "digits")
		go s.web.Post(action, params, method)
	}
}

// resolveMedia turns a Play body into something FreeSWITCH can play: local
// paths pass through, remote files go through the media cache or the
// streaming fallback.
func (s *CallSession) resolveMedia(rawURL string) string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return cache.Resolve(ctx, s.cache, webhook.NormalizeURL(rawURL))
}

// Event is re-exported for handler signatures.
type Event = eventsocket.Event

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func substringBetween(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return ""
	}
	j := strings.Index(s, end)
	if j < 0 || j <= i {
		return ""
	}
	return s[i+len(start) : j]
}

func splitPath(p string) (dir, file string) {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[:i], p[i+1:]
	}
	return "", p
}

func splitExt(name string) (base, ext string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}
