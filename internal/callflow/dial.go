package callflow

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"fs-bridge/internal/webhook"
)

const (
	dialDefaultTimeout   = 30
	dialDefaultTimeLimit = 14400
)

// DialVerb bridges this call to one or more numbers.
type DialVerb struct {
	Action         string
	Method         string
	HangupOnStar   bool
	CallerID       string
	CallerName     string
	TimeLimit      int
	Timeout        int
	ConfirmSound   string
	ConfirmKey     string
	DialMusic      string
	RedirectAction bool
	CallbackURL    string
	CallbackMethod string
	DigitsMatch    string
	Numbers        []*NumberVerb
}

func (v *DialVerb) VerbName() string { return "Dial" }

func parseDial(n *node) (Verb, error) {
	a := attrMap(n.attrs())
	method, err := a.method("method")
	if err != nil {
		return nil, err
	}
	callbackMethod, err := a.method("callbackMethod")
	if err != nil {
		return nil, fmt.Errorf("%w: callbackMethod must be 'GET' or 'POST'", ErrAttribute)
	}
	timeLimit := a.integer("timeLimit", dialDefaultTimeLimit)
	if timeLimit <= 0 {
		timeLimit = dialDefaultTimeLimit
	}
	timeout := a.integer("timeout", dialDefaultTimeout)
	if timeout <= 0 {
		timeout = dialDefaultTimeout
	}
	children, err := parseChildren(n)
	if err != nil {
		return nil, err
	}
	v := &DialVerb{
		Action:         a.str("action"),
		Method:         method,
		HangupOnStar:   a.boolean("hangupOnStar"),
		CallerID:       a.str("callerId"),
		CallerName:     a.str("callerName"),
		TimeLimit:      timeLimit,
		Timeout:        timeout,
		ConfirmSound:   a.str("confirmSound"),
		ConfirmKey:     a.str("confirmKey"),
		DialMusic:      a.str("dialMusic"),
		RedirectAction: a.boolean("redirect"),
		CallbackURL:    a.str("callbackUrl"),
		CallbackMethod: callbackMethod,
		DigitsMatch:    a.str("digitsMatch"),
	}
	for _, child := range children {
		if num, ok := child.(*NumberVerb); ok {
			v.Numbers = append(v.Numbers, num)
		}
	}
	return v, nil
}

// fetchPlayString retrieves a remote document and flattens its Play, Speak
// and Wait verbs into playback fragments.
func fetchPlayString(s *CallSession, remoteURL string) []string {
	if remoteURL == "" {
		return nil
	}
	s.log.WithField("url", remoteURL).Info("fetching remote sounds")
	body, err := s.web.Fetch(remoteURL, url.Values{}, "POST")
	if err != nil {
		s.log.WithError(err).Warn("fetching remote sounds failed")
		return nil
	}
	verbs, err := ParseDocument(body)
	if err != nil {
		s.log.WithError(err).Warn("parsing remote sounds failed")
		return nil
	}
	return promptFiles(s, verbs)
}

// createNumber renders one Number noun as its gateway/number dial fragments.
func (v *DialVerb) createNumber(s *CallSession, num *NumberVerb) string {
	if len(num.Gateways) == 0 {
		s.log.Error("no gateway defined on number")
		return ""
	}
	if num.Number == "" {
		s.log.Error("no number defined on number noun")
		return ""
	}
	var sendDigits string
	if num.SendDigits != "" {
		if num.SendOnPreanswer {
			sendDigits = fmt.Sprintf("api_on_media='uuid_recv_dtmf ${uuid} %s'", num.SendDigits)
		} else {
			sendDigits = fmt.Sprintf("api_on_answer_2='uuid_recv_dtmf ${uuid} %s'", num.SendDigits)
		}
	}
	var fragments []string
	for i, gw := range num.Gateways {
		var opts []string
		if v.CallbackURL != "" && v.CallbackMethod != "" {
			opts = append(opts,
				"plivo_dial_callback_url="+v.CallbackURL,
				"plivo_dial_callback_method="+v.CallbackMethod,
				"plivo_dial_callback_aleg="+s.CallUUID)
		}
		if sendDigits != "" {
			opts = append(opts, sendDigits)
		}
		if i < len(num.GatewayCodecs) {
			opts = append(opts, "absolute_codec_string="+num.GatewayCodecs[i])
		}
		if i < len(num.GatewayTimeouts) {
			if t, err := strconv.Atoi(strings.TrimSpace(num.GatewayTimeouts[i])); err == nil && t > 0 {
				opts = append(opts, fmt.Sprintf("leg_timeout=%d", t))
			}
		}
		retries := 1
		if i < len(num.GatewayRetries) {
			if r, err := strconv.Atoi(strings.TrimSpace(num.GatewayRetries[i])); err == nil && r > 0 {
				retries = r
			}
		}
		if num.ExtraDialString != "" {
			opts = append(opts, num.ExtraDialString)
		}
		var options string
		if len(opts) > 0 {
			options = "[" + strings.Join(opts, ",") + "]"
		}
		numStr := fmt.Sprintf("%s%s/%s", options, gw, num.Number)
		attempts := make([]string, retries)
		for j := range attempts {
			attempts[j] = numStr
		}
		fragments = append(fragments, strings.Join(attempts, "|"))
	}
	return strings.Join(fragments, "|")
}

func (v *DialVerb) Execute(s *CallSession) (*Redirect, error) {
	if _, err := s.Set(fmt.Sprintf("call_timeout=%d", v.Timeout)); err != nil {
		return nil, err
	}
	s.Set(fmt.Sprintf("answer_timeout=%d", v.Timeout))
	if v.CallerID != "" {
		s.Set("effective_caller_id_number=" + v.CallerID)
	} else {
		s.Unset("effective_caller_id_number")
	}
	if v.CallerName != "" {
		s.Set("effective_caller_id_name=" + v.CallerName)
	} else {
		s.Unset("effective_caller_id_name")
	}
	s.Set("continue_on_fail=true")
	s.Set("hangup_after_bridge=false")

	// Reset the ring flag so a previous Dial cannot leak its status.
	s.Set("plivo_dial_rang=false")
	ringFlag := fmt.Sprintf(
		"api_on_ring='uuid_setvar %s plivo_dial_rang true',api_on_pre_answer='uuid_setvar %s plivo_dial_rang true'",
		s.CallUUID, s.CallUUID)

	var numbers []string
	for _, num := range v.Numbers {
		if frag := v.createNumber(s, num); frag != "" {
			numbers = append(numbers, frag)
		}
	}
	if len(numbers) == 0 {
		s.log.Error("dial aborted, no number to dial")
		return nil, nil
	}
	dialStr := strings.Join(numbers, ":_:")

	schedHangupID := uuid.NewString()
	timeLimit := fmt.Sprintf(
		"api_on_answer_1='sched_api +%d %s 'uuid_transfer %s -bleg hangup:ALLOTTED_TIMEOUT inline''",
		v.TimeLimit, schedHangupID, s.CallUUID)

	var confirm string
	if v.ConfirmSound != "" {
		if sounds := fetchPlayString(s, v.ConfirmSound); len(sounds) > 0 {
			playStr := "file_string://silence_stream://1!" + strings.Join(sounds, "!")
			var music, key string
			if v.ConfirmKey != "" {
				music = "group_confirm_file=" + playStr
				key = "group_confirm_key=" + v.ConfirmKey
			} else {
				music = "group_confirm_file=playback " + playStr
				key = "group_confirm_key=exec"
			}
			confirm = fmt.Sprintf(",%s,%s,group_confirm_cancel_timeout=1,playback_delimiter=!", music, key)
		}
	}

	dialStr = fmt.Sprintf("<%s,%s%s>%s", ringFlag, timeLimit, confirm, dialStr)
	// Force enterprise originate; simple originate lacks speak support in
	// ringback.
	if len(numbers) < 2 {
		dialStr += ":_:"
	}

	if v.HangupOnStar {
		s.Set("bridge_terminate_key=*")
	} else {
		s.Unset("bridge_terminate_key")
	}

	var ringbacks []string
	if v.DialMusic != "" {
		if ringbacks = fetchPlayString(s, v.DialMusic); len(ringbacks) > 0 {
			s.Set("playback_delimiter=!")
			playStr := "file_string://silence_stream://1!" + strings.Join(ringbacks, "!")
			s.Set("bridge_early_media=true")
			s.Set("instant_ringback=true")
			s.Set("ringback=" + playStr)
		}
	}
	if len(ringbacks) == 0 {
		s.Set("bridge_early_media=true")
		s.Unset("instant_ringback")
		s.Unset("ringback")
	}

	s.log.WithField("dial_string", dialStr).Info("dial started")
	if _, err := s.Bridge(dialStr); err != nil {
		return nil, err
	}

	if v.DigitsMatch != "" && v.CallbackURL != "" {
		template := fmt.Sprintf(
			"Event-Name=CUSTOM,Event-Subclass=plivo::dial,Action=digits-match,Unique-ID=%s,Callback-Url=%s,Callback-Method=%s",
			s.CallUUID, v.CallbackURL, v.CallbackMethod)
		realm := "plivo_bda_dial_" + s.CallUUID
		for _, dmatch := range strings.Split(v.DigitsMatch, ",") {
			dmatch = strings.TrimSpace(dmatch)
			if dmatch == "" {
				continue
			}
			raw := fmt.Sprintf("%s,Digits-Match=%s", template, dmatch)
			s.BindDigitAction(fmt.Sprintf("%s,%s,exec:event,'%s'", realm, dmatch, raw))
		}
		s.DigitActionSetRealm(realm)
	}

	event := s.WaitForAction()
	var blegUUID string
	if event.Name() == "CHANNEL_UNBRIDGE" {
		blegUUID = event.Get("variable_bridge_uuid")
		event = s.WaitForAction()
	}

	hangupCause := event.Get("variable_originate_disposition")
	reason := hangupCause + " (B leg)"
	if hangupCause == "ORIGINATOR_CANCEL" {
		reason = hangupCause + " (A leg)"
	}
	if hangupCause == "" || hangupCause == "SUCCESS" {
		hangupCause = s.HangupCause()
		reason = hangupCause + " (A leg)"
		if hangupCause == "" {
			hangupCause = s.GetVar("bridge_hangup_cause")
			reason = hangupCause + " (B leg)"
		}
		if hangupCause == "" {
			hangupCause = s.GetVar("hangup_cause")
			reason = hangupCause + " (A leg)"
		}
		if hangupCause == "" {
			hangupCause = "NORMAL_CLEARING"
			reason = "NORMAL_CLEARING (A leg)"
		}
	}
	s.log.WithField("reason", reason).Info("dial finished")

	s.BGAPI("sched_del " + schedHangupID)
	dialRang := s.GetVar("plivo_dial_rang") == "true"

	if v.Action == "" || !webhook.ValidURL(v.Action) {
		return nil, nil
	}
	params := url.Values{}
	if dialRang {
		params.Set("DialRingStatus", "true")
	} else {
		params.Set("DialRingStatus", "false")
	}
	params.Set("DialHangupCause", hangupCause)
	params.Set("DialALegUUID", s.CallUUID)
	params.Set("DialBLegUUID", blegUUID)
	if v.RedirectAction {
		return &Redirect{URL: v.Action, Params: params, Method: v.Method}, nil
	}
	go s.web.Post(v.Action, params, v.Method)
	return nil, nil
}
