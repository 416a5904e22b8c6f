// Package bridge translates the HTTP REST surface into Event Socket
// commands on a shared inbound connection, and tracks originated calls
// from request to hangup.
package bridge

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fs-bridge/internal/eventsocket"
	"fs-bridge/internal/webhook"
)

// EventFilter is the subscription the manager needs on its inbound
// connection.
const EventFilter = "BACKGROUND_JOB CHANNEL_PROGRESS CHANNEL_PROGRESS_MEDIA CHANNEL_HANGUP CHANNEL_STATE"

// Gateway is one dial attempt slot of a call request.
type Gateway struct {
	RequestUUID     string
	To              string
	Gateway         string
	Codecs          string
	Timeout         int
	ExtraDialString string
}

// CallRequest tracks one originate request across gateway retries until the
// call rings or terminally fails.
type CallRequest struct {
	RequestUUID string
	Gateways    []Gateway
	AnswerURL   string
	RingURL     string
	HangupURL   string

	// StateFlag is "" until the leg reaches Ringing or EarlyMedia; once
	// set, remaining gateways are dropped and failures become terminal.
	StateFlag string
}

// Manager owns the shared inbound connection state: the call request
// registry, the background-job map and pending transfers.
type Manager struct {
	client        *eventsocket.InboundClient
	web           *webhook.Client
	log           *logrus.Entry
	outboundAddr  string
	defaultMethod string

	mu           sync.Mutex
	bkJobs       map[string]string // Job-UUID -> request uuid
	xferJobs     map[string]string // call uuid -> socket dial string
	callRequests map[string]*CallRequest
}

// NewManager wires the event handlers onto the client's engine. The client
// must be connected with EventFilter (or a superset).
func NewManager(client *eventsocket.InboundClient, web *webhook.Client, outboundAddr, defaultMethod string, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if defaultMethod != "GET" {
		defaultMethod = "POST"
	}
	m := &Manager{
		client:        client,
		web:           web,
		log:           log,
		outboundAddr:  outboundAddr,
		defaultMethod: defaultMethod,
		bkJobs:        make(map[string]string),
		xferJobs:      make(map[string]string),
		callRequests:  make(map[string]*CallRequest),
	}
	client.OnEvent("BACKGROUND_JOB", m.onBackgroundJob)
	client.OnEvent("CHANNEL_PROGRESS", m.onChannelProgress)
	client.OnEvent("CHANNEL_PROGRESS_MEDIA", m.onChannelProgress)
	client.OnEvent("CHANNEL_HANGUP", m.onChannelHangup)
	client.OnEvent("CHANNEL_STATE", m.onChannelState)
	return m
}

// API proxies to the inbound connection.
func (m *Manager) API(command string) (eventsocket.APIResponse, error) {
	return m.client.API(command)
}

// BGAPI proxies to the inbound connection.
func (m *Manager) BGAPI(command string) (eventsocket.BgapiReply, error) {
	return m.client.BGAPI(command)
}

// SetVar sets a channel variable on a call from the inbound side.
func (m *Manager) SetVar(callUUID, name, value string) error {
	res, err := m.API(fmt.Sprintf("uuid_setvar %s %s %s", callUUID, name, value))
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("uuid_setvar %s: %s", name, res.Response())
	}
	return nil
}

// splitCodecs splits on commas that are not inside single or double quotes;
// gateway codec lists carry quoted groups.
func splitCodecs(s string) []string {
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

// OriginateParams carries the validated inputs of one Call (or one member
// of a BulkCall/GroupCall).
type OriginateParams struct {
	CallerID        string
	To              string
	Gateways        string
	GatewayCodecs   string
	GatewayTimeouts string
	GatewayRetries  string
	ExtraDialString string
	SendDigits      string
	TimeLimit       string
	HangupOnRing    string
	AnswerURL       string
	RingURL         string
	HangupURL       string
}

// buildGateways expands one destination's gateway parameters into ordered
// attempt slots carrying the originate variables.
func buildGateways(p OriginateParams, requestUUID string, groupVars []string) []Gateway {
	// Strip alternate destinations to prevent call injection.
	to := p.To
	if i := strings.IndexAny(to, ",|"); i >= 0 {
		to = to[:i]
	}
	var gwList []string
	for _, gw := range strings.Split(p.Gateways, ",") {
		gwList = append(gwList, strings.TrimRight(gw, "/"))
	}
	var codecList, timeoutList, retryList []string
	if p.GatewayCodecs != "" {
		codecList = splitCodecs(p.GatewayCodecs)
	}
	if p.GatewayTimeouts != "" {
		timeoutList = strings.Split(p.GatewayTimeouts, ",")
	}
	if p.GatewayRetries != "" {
		retryList = strings.Split(p.GatewayRetries, ",")
	}

	args := []string{
		"plivo_request_uuid=" + requestUUID,
		"plivo_answer_url=" + p.AnswerURL,
		"origination_caller_id_number=" + p.CallerID,
	}
	if p.ExtraDialString != "" {
		args = append(args, p.ExtraDialString)
	}
	if hangupOnRing, err := strconv.Atoi(p.HangupOnRing); err == nil {
		if hangupOnRing == 0 {
			args = append(args, "execute_on_ring='hangup ORIGINATOR_CANCEL'")
		} else if hangupOnRing > 0 {
			args = append(args, fmt.Sprintf("execute_on_ring='sched_hangup +%d ORIGINATOR_CANCEL'", hangupOnRing))
		}
	}
	if p.SendDigits != "" {
		args = append(args, fmt.Sprintf("execute_on_answer='send_dtmf %s'", p.SendDigits))
	}
	if timeLimit, err := strconv.Atoi(p.TimeLimit); err == nil && timeLimit > 0 {
		schedHangupID := uuid.NewString()
		args = append(args,
			fmt.Sprintf("api_on_answer='sched_api %s +%d hupall ALLOTTED_TIMEOUT plivo_request_uuid %s'",
				schedHangupID, timeLimit, requestUUID),
			"plivo_sched_hangup_id="+schedHangupID)
	}
	args = append(args, groupVars...)
	argsStr := strings.Join(args, ",")

	var gateways []Gateway
	for i, gw := range gwList {
		var codecs string
		if i < len(codecList) {
			codecs = codecList[i]
		}
		timeout := 60
		if i < len(timeoutList) {
			if t, err := strconv.Atoi(strings.TrimSpace(timeoutList[i])); err == nil {
				timeout = t
			}
		}
		retries := 1
		if i < len(retryList) {
			if r, err := strconv.Atoi(strings.TrimSpace(retryList[i])); err == nil && r > 0 {
				retries = r
			}
		}
		for j := 0; j < retries; j++ {
			gateways = append(gateways, Gateway{
				RequestUUID:     requestUUID,
				To:              to,
				Gateway:         gw,
				Codecs:          codecs,
				Timeout:         timeout,
				ExtraDialString: argsStr,
			})
		}
	}
	return gateways
}

// PrepareCallRequest expands the gateway parameters into attempt slots and
// registers the request. The request id is returned for the API response.
func (m *Manager) PrepareCallRequest(p OriginateParams) *CallRequest {
	requestUUID := uuid.NewString()
	req := &CallRequest{
		RequestUUID: requestUUID,
		Gateways:    buildGateways(p, requestUUID, nil),
		AnswerURL:   p.AnswerURL,
		RingURL:     p.RingURL,
		HangupURL:   p.HangupURL,
	}
	m.mu.Lock()
	m.callRequests[requestUUID] = req
	m.mu.Unlock()
	return req
}

// GroupOptions carries the confirm sound and reject-cause settings of a
// GroupCall.
type GroupOptions struct {
	ConfirmSound string
	ConfirmKey   string
	RejectCauses string
}

// PrepareGroupCallRequest chains the destinations into one hunt sequence
// under a single request id: each member's gateway slots are tried in order
// until a leg rings; then the remaining members are dropped.
func (m *Manager) PrepareGroupCallRequest(members []OriginateParams, opts GroupOptions) *CallRequest {
	requestUUID := uuid.NewString()
	var groupVars []string
	if opts.ConfirmSound != "" {
		if opts.ConfirmKey != "" {
			groupVars = append(groupVars,
				"group_confirm_file="+opts.ConfirmSound,
				"group_confirm_key="+opts.ConfirmKey)
		} else {
			groupVars = append(groupVars,
				"group_confirm_file=playback "+opts.ConfirmSound,
				"group_confirm_key=exec")
		}
		groupVars = append(groupVars, "group_confirm_cancel_timeout=1")
	}
	if opts.RejectCauses != "" {
		causes := strings.Join(strings.Fields(strings.ReplaceAll(opts.RejectCauses, ",", " ")), " ")
		groupVars = append(groupVars, fmt.Sprintf("fail_on_single_reject='%s'", causes))
	}

	var gateways []Gateway
	var first OriginateParams
	for i, p := range members {
		if i == 0 {
			first = p
		}
		gateways = append(gateways, buildGateways(p, requestUUID, groupVars)...)
	}
	req := &CallRequest{
		RequestUUID: requestUUID,
		Gateways:    gateways,
		AnswerURL:   first.AnswerURL,
		RingURL:     first.RingURL,
		HangupURL:   first.HangupURL,
	}
	m.mu.Lock()
	m.callRequests[requestUUID] = req
	m.mu.Unlock()
	return req
}

// SpawnOriginate pops the next gateway of the request and launches the
// originate in the background. Retries walk through the remaining slots.
func (m *Manager) SpawnOriginate(requestUUID string) {
	m.mu.Lock()
	req, ok := m.callRequests[requestUUID]
	if !ok {
		m.mu.Unlock()
		m.log.WithField("request_uuid", requestUUID).Warn("call request not found")
		return
	}
	if len(req.Gateways) == 0 {
		delete(m.callRequests, requestUUID)
		m.mu.Unlock()
		m.log.WithField("request_uuid", requestUUID).Warn("no more gateways to call")
		return
	}
	gw := req.Gateways[0]
	req.Gateways = req.Gateways[1:]
	m.mu.Unlock()

	opts := []string{"plivo_app=true"}
	if gw.Codecs != "" {
		opts = append(opts, "absolute_codec_string="+gw.Codecs)
	}
	if gw.Timeout > 0 {
		opts = append(opts, fmt.Sprintf("originate_timeout=%d", gw.Timeout))
	}
	opts = append(opts, "ignore_early_media=true")

	dialStr := fmt.Sprintf("originate {%s,%s}%s/%s 'socket:%s async full' inline",
		gw.ExtraDialString, strings.Join(opts, ","), gw.Gateway, gw.To, m.outboundAddr)

	go func() {
		res, err := m.BGAPI(dialStr)
		if err != nil {
			m.log.WithError(err).WithField("request_uuid", requestUUID).Error("originate failed")
			return
		}
		jobUUID := res.JobUUID()
		if jobUUID == "" {
			m.log.WithField("request_uuid", requestUUID).Error("originate failed, no job uuid received")
			return
		}
		m.mu.Lock()
		m.bkJobs[jobUUID] = requestUUID
		m.mu.Unlock()
	}()
}

// BulkOriginate fires one originate per request id concurrently.
func (m *Manager) BulkOriginate(requestUUIDs []string) bool {
	if len(requestUUIDs) == 0 {
		m.log.Error("bulk call failed, no request uuids")
		return false
	}
	m.log.WithField("request_uuids", requestUUIDs).Info("bulk call started")
	for _, id := range requestUUIDs {
		m.SpawnOriginate(id)
	}
	return true
}

// TransferCall parks the channel on a short sleep and records the socket
// redirect to run once the channel resets.
func (m *Manager) TransferCall(newURL, callUUID string) bool {
	if err := m.SetVar(callUUID, "plivo_transfer_progress", "true"); err != nil {
		m.log.WithError(err).Error("transfer setup failed")
		return false
	}
	if err := m.SetVar(callUUID, "plivo_transfer_url", newURL); err != nil {
		m.log.WithError(err).Error("transfer setup failed")
		return false
	}
	outboundStr := fmt.Sprintf("socket:%s async full", m.outboundAddr)
	m.mu.Lock()
	m.xferJobs[callUUID] = outboundStr
	m.mu.Unlock()

	res, err := m.API(fmt.Sprintf("uuid_transfer %s 'sleep:5000' inline", callUUID))
	if err == nil && res.Success() {
		m.log.WithField("call_uuid", callUUID).Info("transfer spawned")
		return true
	}
	m.mu.Lock()
	delete(m.xferJobs, callUUID)
	m.mu.Unlock()
	if err != nil {
		m.log.WithError(err).WithField("call_uuid", callUUID).Error("transfer spawning failed")
	} else {
		m.log.WithFields(logrus.Fields{"call_uuid": callUUID, "response": res.Response()}).Error("transfer spawning failed")
	}
	return false
}

// HangupCall kills a call by CallUUID or by a still-pending RequestUUID.
func (m *Manager) HangupCall(callUUID, requestUUID string) bool {
	if callUUID == "" && requestUUID == "" {
		m.log.Error("hangup failed, missing CallUUID or RequestUUID")
		return false
	}
	var cmd, callID string
	if callUUID != "" {
		callID = "CallUUID " + callUUID
		cmd = fmt.Sprintf("uuid_kill %s NORMAL_CLEARING", callUUID)
	} else {
		callID = "RequestUUID " + requestUUID
		m.mu.Lock()
		_, ok := m.callRequests[requestUUID]
		m.mu.Unlock()
		if !ok {
			m.log.WithField("request_uuid", requestUUID).Error("hangup failed, request not found")
			return false
		}
		cmd = fmt.Sprintf("hupall NORMAL_CLEARING plivo_request_uuid %s", requestUUID)
	}
	res, err := m.API(cmd)
	if err != nil || !res.Success() {
		m.log.WithField("call", callID).Error("hangup failed")
		return false
	}
	m.log.WithField("call", callID).Info("hangup executed")
	return true
}

// HangupAllCalls kills every live call on the server.
func (m *Manager) HangupAllCalls() {
	res, err := m.BGAPI("hupall NORMAL_CLEARING")
	if err != nil || res.JobUUID() == "" {
		m.log.Error("hangup all calls failed, no job uuid received")
		return
	}
	m.log.Info("hangup executed for all calls")
}

func (m *Manager) onBackgroundJob(ev *eventsocket.Event) {
	if ev.Get("Job-Command") != "originate" {
		return
	}
	jobUUID := ev.Get("Job-UUID")
	if jobUUID == "" {
		return
	}
	status, reason, found := strings.Cut(string(ev.Body), " ")
	if !found {
		return
	}
	status = strings.TrimSpace(status)
	reason = strings.TrimSpace(reason)

	m.mu.Lock()
	requestUUID, ok := m.bkJobs[jobUUID]
	delete(m.bkJobs, jobUUID)
	if !ok {
		m.mu.Unlock()
		return
	}
	req, ok := m.callRequests[requestUUID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if strings.HasPrefix(status, "+OK") {
		m.mu.Unlock()
		return
	}
	// Failure before ring retries the next gateway; after ring the hangup
	// event owns the cleanup.
	stateFlag := req.StateFlag
	remaining := len(req.Gateways)
	m.mu.Unlock()

	switch {
	case stateFlag == "Ringing" || stateFlag == "EarlyMedia":
		m.log.WithFields(logrus.Fields{"request_uuid": requestUUID, "state": stateFlag, "reason": reason}).
			Error("call attempt done but failed")
	case remaining == 0:
		m.log.WithFields(logrus.Fields{"request_uuid": requestUUID, "reason": reason}).
			Error("call failed, no more gateways")
		m.setHangupComplete(requestUUID, "", reason, ev)
	default:
		m.log.WithFields(logrus.Fields{"request_uuid": requestUUID, "reason": reason}).
			Warn("call failed without ringing, retrying")
		m.SpawnOriginate(requestUUID)
	}
}

// onChannelProgress covers CHANNEL_PROGRESS (ringing) and
// CHANNEL_PROGRESS_MEDIA (early media); either ends gateway retries and
// fires the ring callback once.
func (m *Manager) onChannelProgress(ev *eventsocket.Event) {
	requestUUID := ev.Get("variable_plivo_request_uuid")
	if requestUUID == "" || ev.Get("Call-Direction") != "outbound" {
		return
	}
	state := "Ringing"
	if ev.Name() == "CHANNEL_PROGRESS_MEDIA" {
		state = "EarlyMedia"
	}
	m.mu.Lock()
	req, ok := m.callRequests[requestUUID]
	if !ok || req.StateFlag != "" {
		m.mu.Unlock()
		return
	}
	req.StateFlag = state
	req.Gateways = nil
	ringURL := req.RingURL
	m.mu.Unlock()

	to := ev.Get("Caller-Destination-Number")
	from := ev.Get("Caller-Caller-ID-Number")
	m.log.WithFields(logrus.Fields{"request_uuid": requestUUID, "to": to, "from": from, "state": state}).
		Info("call progressing")
	if ringURL == "" {
		return
	}
	params := url.Values{}
	params.Set("To", to)
	params.Set("RequestUUID", requestUUID)
	params.Set("Direction", "outbound")
	params.Set("CallStatus", "ringing")
	params.Set("From", from)
	go m.web.Post(ringURL, params, m.defaultMethod)
}

func (m *Manager) onChannelHangup(ev *eventsocket.Event) {
	requestUUID := ev.Get("variable_plivo_request_uuid")
	if requestUUID == "" || ev.Get("Call-Direction") != "outbound" {
		return
	}
	callUUID := ev.Get("Unique-ID")
	reason := ev.Get("Hangup-Cause")

	m.mu.Lock()
	req, ok := m.callRequests[requestUUID]
	if !ok {
		m.mu.Unlock()
		return
	}
	remaining := len(req.Gateways)
	m.mu.Unlock()

	if remaining > 0 {
		m.log.WithFields(logrus.Fields{"request_uuid": requestUUID, "reason": reason}).
			Debug("call failed, retrying next gateway")
		m.SpawnOriginate(requestUUID)
		return
	}
	m.setHangupComplete(requestUUID, callUUID, reason, ev)
}

// onChannelState runs pending transfers once the parked channel resets, and
// drops them when the channel dies first.
func (m *Manager) onChannelState(ev *eventsocket.Event) {
	callUUID := ev.Get("Unique-ID")
	switch ev.Get("Channel-State") {
	case "CS_RESET":
		m.mu.Lock()
		xfer, ok := m.xferJobs[callUUID]
		delete(m.xferJobs, callUUID)
		m.mu.Unlock()
		if !ok {
			return
		}
		m.log.WithField("call_uuid", callUUID).Info("transfer in progress")
		m.SetVar(callUUID, "plivo_transfer_progress", "false")
		res, err := m.API(fmt.Sprintf("uuid_transfer %s '%s' inline", callUUID, xfer))
		if err == nil && res.Success() {
			m.log.WithField("call_uuid", callUUID).Info("transfer done")
		} else {
			m.log.WithField("call_uuid", callUUID).Error("transfer failed")
		}
	case "CS_HANGUP":
		m.mu.Lock()
		_, ok := m.xferJobs[callUUID]
		delete(m.xferJobs, callUUID)
		m.mu.Unlock()
		if ok {
			m.log.WithField("call_uuid", callUUID).Warn("transfer aborted by hangup")
		}
	}
}

// setHangupComplete removes the request and posts the terminal callback.
func (m *Manager) setHangupComplete(requestUUID, callUUID, reason string, ev *eventsocket.Event) {
	m.log.WithFields(logrus.Fields{"request_uuid": requestUUID, "call_uuid": callUUID, "reason": reason}).
		Info("call completed")
	m.mu.Lock()
	req, ok := m.callRequests[requestUUID]
	delete(m.callRequests, requestUUID)
	m.mu.Unlock()
	if !ok || req.HangupURL == "" {
		m.log.WithField("request_uuid", requestUUID).Debug("no hangup url")
		return
	}
	params := url.Values{}
	params.Set("RequestUUID", requestUUID)
	params.Set("CallUUID", callUUID)
	params.Set("HangupCause", reason)
	params.Set("Direction", "outbound")
	params.Set("To", ev.Get("Caller-Destination-Number"))
	params.Set("CallStatus", "completed")
	params.Set("From", ev.Get("Caller-Caller-ID-Number"))
	go m.web.Post(req.HangupURL, params, m.defaultMethod)
}
