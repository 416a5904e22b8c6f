package bridge

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"fs-bridge/internal/webhook"
)

// APIVersion prefixes every operation route.
const APIVersion = "v0.1"

// API exposes the REST surface over a Manager.
type API struct {
	mgr    *Manager
	log    *logrus.Entry
	reload func() error
}

// NewAPI builds the handler set; reload is invoked by the ReloadConfig
// endpoint and may be nil.
func NewAPI(mgr *Manager, reload func() error, log *logrus.Entry) *API {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &API{mgr: mgr, log: log, reload: reload}
}

// Router wires every endpoint under the version prefix with auth and
// request logging.
func (h *API) Router(authID, authToken string, allowedIPs []string) *mux.Router {
	r := mux.NewRouter()
	r.Use(logMiddleware(h.log))
	r.Use(authMiddleware(authID, authToken, allowedIPs, h.log))
	r.HandleFunc("/", h.Index).Methods("GET")

	v := r.PathPrefix("/" + APIVersion).Subrouter()
	post := func(name string, fn http.HandlerFunc) {
		v.HandleFunc("/"+name+"/", fn).Methods("POST")
	}
	v.HandleFunc("/ReloadConfig/", h.ReloadConfig).Methods("POST", "GET")
	post("Call", h.Call)
	post("BulkCall", h.BulkCall)
	post("GroupCall", h.GroupCall)
	post("HangupCall", h.HangupCall)
	post("TransferCall", h.TransferCall)
	post("HangupAllCalls", h.HangupAllCalls)
	post("ScheduleHangup", h.ScheduleHangup)
	post("CancelScheduledHangup", h.CancelScheduledHangup)
	post("RecordStart", h.RecordStart)
	post("RecordStop", h.RecordStop)
	post("Play", h.Play)
	post("PlayStop", h.PlayStop)
	post("SchedulePlay", h.SchedulePlay)
	post("CancelScheduledPlay", h.CancelScheduledPlay)
	post("SoundTouch", h.SoundTouch)
	post("SoundTouchStop", h.SoundTouchStop)
	post("SendDigits", h.SendDigits)
	post("ConferenceMute", h.conferenceMemberHandler("mute", "Mute Executed"))
	post("ConferenceUnmute", h.conferenceMemberHandler("unmute", "Unmute Executed"))
	post("ConferenceKick", h.conferenceMemberHandler("kick", "Kick Executed"))
	post("ConferenceHangup", h.conferenceMemberHandler("hup", "Hangup Executed"))
	post("ConferenceDeaf", h.conferenceMemberHandler("deaf", "Deaf Executed"))
	post("ConferenceUndeaf", h.conferenceMemberHandler("undeaf", "Undeaf Executed"))
	post("ConferenceRecordStart", h.ConferenceRecordStart)
	post("ConferenceRecordStop", h.ConferenceRecordStop)
	post("ConferencePlay", h.ConferencePlay)
	post("ConferenceSpeak", h.ConferenceSpeak)
	post("ConferenceListMembers", h.ConferenceListMembers)
	post("ConferenceList", h.ConferenceList)
	return r
}

// respond writes the JSON envelope; endpoint failures keep HTTP 200, only
// auth rejects with a non-200.
func (h *API) respond(w http.ResponseWriter, success bool, message string, extra map[string]any) {
	payload := map[string]any{
		"Success": success,
		"Message": message,
	}
	for k, v := range extra {
		payload[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(payload)
}

func (h *API) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "fs-bridge: REST control surface for the Event Socket")
}

func (h *API) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		h.respond(w, false, "Reload Not Available", nil)
		return
	}
	if err := h.reload(); err != nil {
		h.respond(w, false, "Reload Failed: "+err.Error(), nil)
		return
	}
	h.respond(w, true, "Config Reloaded", nil)
}

// originateParams reads the shared Call/BulkCall/GroupCall form fields.
func originateParams(r *http.Request) OriginateParams {
	return OriginateParams{
		CallerID:        r.FormValue("From"),
		To:              r.FormValue("To"),
		Gateways:        r.FormValue("Gateways"),
		GatewayCodecs:   r.FormValue("GatewayCodecs"),
		GatewayTimeouts: r.FormValue("GatewayTimeouts"),
		GatewayRetries:  r.FormValue("GatewayRetries"),
		ExtraDialString: r.FormValue("OriginateDialString"),
		SendDigits:      r.FormValue("SendDigits"),
		TimeLimit:       r.FormValue("TimeLimit"),
		HangupOnRing:    r.FormValue("HangupOnRing"),
		AnswerURL:       r.FormValue("AnswerUrl"),
		RingURL:         r.FormValue("RingUrl"),
		HangupURL:       r.FormValue("HangupUrl"),
	}
}

// validateURLs checks the answer url plus the optional callbacks.
func validateURLs(p OriginateParams) string {
	if !webhook.ValidURL(p.AnswerURL) {
		return "Answer URL is not Valid"
	}
	if p.HangupURL != "" && !webhook.ValidURL(p.HangupURL) {
		return "Hangup URL is not Valid"
	}
	if p.RingURL != "" && !webhook.ValidURL(p.RingURL) {
		return "Ring URL is not Valid"
	}
	return ""
}

func (h *API) Call(w http.ResponseWriter, r *http.Request) {
	p := originateParams(r)
	if p.CallerID == "" || p.To == "" || p.Gateways == "" || p.AnswerURL == "" {
		h.respond(w, false, "Mandatory Parameters Missing", map[string]any{"RequestUUID": ""})
		return
	}
	if msg := validateURLs(p); msg != "" {
		h.respond(w, false, msg, map[string]any{"RequestUUID": ""})
		return
	}
	req := h.mgr.PrepareCallRequest(p)
	h.mgr.SpawnOriginate(req.RequestUUID)
	h.respond(w, true, "Call Request Executed", map[string]any{"RequestUUID": req.RequestUUID})
}

// bulkField returns element i of a delimited list, "" past the end.
func bulkField(list []string, i int) string {
	if i < len(list) {
		return list[i]
	}
	return ""
}

// bulkMembers splits the bulk form fields into per-destination originate
// params. Returns an error message on validation failure.
func bulkMembers(r *http.Request) ([]OriginateParams, string) {
	delimiter := r.FormValue("Delimiter")
	if delimiter == "," {
		return nil, "Delimiter cannot be ','"
	}
	p := originateParams(r)
	if p.CallerID == "" || p.To == "" || p.Gateways == "" || p.AnswerURL == "" || delimiter == "" {
		return nil, "Mandatory Parameters Missing"
	}
	if msg := validateURLs(p); msg != "" {
		return nil, msg
	}
	toList := strings.Split(p.To, delimiter)
	gwList := strings.Split(p.Gateways, delimiter)
	if len(toList) != len(gwList) {
		return nil, "'To' parameter length does not match 'Gateways' length"
	}
	codecList := strings.Split(p.GatewayCodecs, delimiter)
	timeoutList := strings.Split(p.GatewayTimeouts, delimiter)
	retryList := strings.Split(p.GatewayRetries, delimiter)
	digitsList := strings.Split(p.SendDigits, delimiter)
	timeLimitList := strings.Split(p.TimeLimit, delimiter)
	hangupOnRingList := strings.Split(p.HangupOnRing, delimiter)

	members := make([]OriginateParams, 0, len(toList))
	for i, to := range toList {
		member := p
		member.To = to
		member.Gateways = gwList[i]
		member.GatewayCodecs = bulkField(codecList, i)
		member.GatewayTimeouts = bulkField(timeoutList, i)
		member.GatewayRetries = bulkField(retryList, i)
		member.SendDigits = bulkField(digitsList, i)
		member.TimeLimit = bulkField(timeLimitList, i)
		member.HangupOnRing = bulkField(hangupOnRingList, i)
		members = append(members, member)
	}
	return members, ""
}

func (h *API) BulkCall(w http.ResponseWriter, r *http.Request) {
	members, msg := bulkMembers(r)
	if msg == "" && len(members) < 2 {
		msg = "BulkCall should be used for at least 2 numbers"
	}
	if msg != "" {
		h.respond(w, false, msg, map[string]any{"RequestUUID": []string{}})
		return
	}
	ids := make([]string, 0, len(members))
	for _, member := range members {
		req := h.mgr.PrepareCallRequest(member)
		ids = append(ids, req.RequestUUID)
	}
	if !h.mgr.BulkOriginate(ids) {
		h.respond(w, false, "BulkCall Requests Failed", map[string]any{"RequestUUID": []string{}})
		return
	}
	h.respond(w, true, "BulkCall Requests Executed", map[string]any{"RequestUUID": ids})
}

func (h *API) GroupCall(w http.ResponseWriter, r *http.Request) {
	members, msg := bulkMembers(r)
	if msg != "" {
		h.respond(w, false, msg, map[string]any{"RequestUUID": ""})
		return
	}
	confirmSound := r.FormValue("ConfirmSound")
	if confirmSound != "" && !webhook.ValidURL(confirmSound) && !strings.HasPrefix(confirmSound, "/") {
		h.respond(w, false, "ConfirmSound is not Valid", map[string]any{"RequestUUID": ""})
		return
	}
	req := h.mgr.PrepareGroupCallRequest(members, GroupOptions{
		ConfirmSound: confirmSound,
		ConfirmKey:   r.FormValue("ConfirmKey"),
		RejectCauses: r.FormValue("RejectCauses"),
	})
	h.mgr.SpawnOriginate(req.RequestUUID)
	h.respond(w, true, "GroupCall Request Executed", map[string]any{"RequestUUID": req.RequestUUID})
}

func (h *API) HangupCall(w http.ResponseWriter, r *http.Request) {
	callUUID := r.FormValue("CallUUID")
	requestUUID := r.FormValue("RequestUUID")
	if callUUID == "" && requestUUID == "" {
		h.respond(w, false, "One of the Call ID Parameters must be present", nil)
		return
	}
	if callUUID != "" && requestUUID != "" {
		h.respond(w, false, "Both Call ID Parameters cannot be present", nil)
		return
	}
	if h.mgr.HangupCall(callUUID, requestUUID) {
		h.respond(w, true, "Hangup Call Executed", nil)
		return
	}
	h.respond(w, false, "Hangup Call Failed", nil)
}

func (h *API) TransferCall(w http.ResponseWriter, r *http.Request) {
	callUUID := r.FormValue("CallUUID")
	newURL := r.FormValue("URL")
	switch {
	case callUUID == "":
		h.respond(w, false, "CallUUID Parameter must be present", nil)
	case newURL == "":
		h.respond(w, false, "URL Parameter must be present", nil)
	case !webhook.ValidURL(newURL):
		h.respond(w, false, "URL is not Valid", nil)
	case h.mgr.TransferCall(newURL, callUUID):
		h.respond(w, true, "Transfer Call Executed", nil)
	default:
		h.respond(w, false, "Transfer Call Failed", nil)
	}
}

func (h *API) HangupAllCalls(w http.ResponseWriter, r *http.Request) {
	h.mgr.HangupAllCalls()
	h.respond(w, true, "All Calls Hungup", nil)
}

func (h *API) ScheduleHangup(w http.ResponseWriter, r *http.Request) {
	callUUID := r.FormValue("CallUUID")
	timeStr := r.FormValue("Time")
	if callUUID == "" {
		h.respond(w, false, "CallUUID Parameter must be present", map[string]any{"SchedHangupId": ""})
		return
	}
	if timeStr == "" {
		h.respond(w, false, "Time Parameter must be present", map[string]any{"SchedHangupId": ""})
		return
	}
	seconds, err := strconv.Atoi(timeStr)
	if err != nil {
		h.respond(w, false, "Invalid Time Parameter", map[string]any{"SchedHangupId": ""})
		return
	}
	if seconds <= 0 {
		h.respond(w, false, "Time Parameter must be > 0", map[string]any{"SchedHangupId": ""})
		return
	}
	schedID, err := h.mgr.ScheduleHangup(callUUID, seconds)
	if err != nil {
		h.respond(w, false, "Scheduled Hangup Failed: "+err.Error(), map[string]any{"SchedHangupId": ""})
		return
	}
	h.respond(w, true, "Scheduled Hangup Done with SchedHangupId "+schedID, map[string]any{"SchedHangupId": schedID})
}

func (h *API) CancelScheduledHangup(w http.ResponseWriter, r *http.Request) {
	schedID := r.FormValue("SchedHangupId")
	if schedID == "" {
		h.respond(w, false, "SchedHangupId Parameter must be present", nil)
		return
	}
	if err := h.mgr.CancelScheduled(schedID); err != nil {
		h.respond(w, false, "Scheduled Hangup Cancelation Failed: "+err.Error(), nil)
		return
	}
	h.respond(w, true, "Scheduled Hangup Canceled", nil)
}

func (h *API) RecordStart(w http.ResponseWriter, r *http.Request) {
	callUUID := r.FormValue("CallUUID")
	if callUUID == "" {
		h.respond(w, false, "CallUUID Parameter must be present", map[string]any{"RecordFile": ""})
		return
	}
	format := r.FormValue("FileFormat")
	if format == "" {
		format = "mp3"
	}
	timeLimit, _ := strconv.Atoi(r.FormValue("TimeLimit"))
	recordFile, err := h.mgr.RecordStart(callUUID, format, r.FormValue("FilePath"), r.FormValue("FileName"), timeLimit)
	if err != nil {
		h.respond(w, false, "Record Start Failed: "+err.Error(), map[string]any{"RecordFile": ""})
		return
	}
	h.respond(w, true, "Record Started", map[string]any{"RecordFile": recordFile})
}

func (h *API) RecordStop(w http.ResponseWriter, r *http.Request) {
	callUUID := r.FormValue("CallUUID")
	recordFile := r.FormValue("RecordFile")
	if callUUID == "" {
		h.respond(w, false, "CallUUID Parameter must be present", nil)
		return
	}
	if recordFile == "" {
		h.respond(w, false, "RecordFile Parameter must be present", nil)
		return
	}
	if err := h.mgr.RecordStop(callUUID, recordFile); err != nil {
		h.respond(w, false, "Record Stop Failed: "+err.Error(), nil)
		return
	}
	h.respond(w, true, "Record Stopped", nil)
}

func (h *API) Play(w http.ResponseWriter, r *http.Request) {
	callUUID := r.FormValue("CallUUID")
	sounds := r.FormValue("Sounds")
	if callUUID == "" {
		h.respond(w, false, "CallUUID Parameter must be present", nil)
		return
	}
	if sounds == "" {
		h.respond(w, false, "Sounds Parameter must be present", nil)
		return
	}
	length, _ := strconv.Atoi(r.FormValue("Length"))
	loop := r.FormValue("Loop") == "true"
	if err := h.mgr.Play(callUUID, sounds, r.FormValue("Legs"), length, loop); err != nil {
		h.respond(w, false, "Play Failed: "+err.Error(), nil)
		return
	}
	h.respond(w, true, "Play Executed", nil)
}

func (h *API) SchedulePlay(w http.ResponseWriter, r *http.Request) {
	callUUID := r.FormValue("CallUUID")
	sounds := r.FormValue("Sounds")
	timeStr := r.FormValue("Time")
	if callUUID == "" || sounds == "" || timeStr == "" {
		h.respond(w, false, "Mandatory Parameters Missing", map[string]any{"SchedPlayId": ""})
		return
	}
	seconds, err := strconv.Atoi(timeStr)
	if err != nil || seconds <= 0 {
		h.respond(w, false, "Invalid Time Parameter", map[string]any{"SchedPlayId": ""})
		return
	}
	loop := r.FormValue("Loop") == "true"
	schedID, err := h.mgr.SchedulePlay(callUUID, sounds, r.FormValue("Legs"), seconds, loop)
	if err != nil {
		h.respond(w, false, "Schedule Play Failed: "+err.Error(), map[string]any{"SchedPlayId": ""})
		return
	}
	h.respond(w, true, "Scheduled Play Done with SchedPlayId "+schedID, map[string]any{"SchedPlayId": schedID})
}

func (h *API) CancelScheduledPlay(w http.ResponseWriter, r *http.Request) {
	schedID := r.FormValue("SchedPlayId")
	if schedID == "" {
		h.respond(w, false, "SchedPlayId Parameter must be present", nil)
		return
	}
	if err := h.mgr.CancelScheduled(schedID); err != nil {
		h.respond(w, false, "Scheduled Play Cancelation Failed: "+err.Error(), nil)
		return
	}
	h.respond(w, true, "Scheduled Play Canceled", nil)
}

func (h *API) PlayStop(w http.ResponseWriter, r *http.Request) {
	callUUID := r.FormValue("CallUUID")
	if callUUID == "" {
		h.respond(w, false, "CallUUID Parameter must be present", nil)
		return
	}
	if err := h.mgr.PlayStop(callUUID); err != nil {
		h.respond(w, false, "Play Stop Failed: "+err.Error(), nil)
		return
	}
	h.respond(w, true, "Play Stopped", nil)
}

func (h *API) SoundTouch(w http.ResponseWriter, r *http.Request) {
	callUUID := r.FormValue("CallUUID")
	if callUUID == "" {
		h.respond(w, false, "CallUUID Parameter must be present", nil)
		return
	}
	params := SoundTouchParams{
		Direction:      r.FormValue("AudioDirection"),
		PitchSemiTones: r.FormValue("PitchSemiTones"),
		PitchOctaves:   r.FormValue("PitchOctaves"),
		Pitch:          r.FormValue("Pitch"),
		Rate:           r.FormValue("Rate"),
		Tempo:          r.FormValue("Tempo"),
	}
	if err := h.mgr.SoundTouch(callUUID, params); err != nil {
		h.respond(w, false, "SoundTouch Failed: "+err.Error(), nil)
		return
	}
	h.respond(w, true, "SoundTouch Executed", nil)
}

func (h *API) SoundTouchStop(w http.ResponseWriter, r *http.Request) {
	callUUID := r.FormValue("CallUUID")
	if callUUID == "" {
		h.respond(w, false, "CallUUID Parameter must be present", nil)
		return
	}
	if err := h.mgr.SoundTouchStop(callUUID); err != nil {
		h.respond(w, false, "SoundTouch Stop Failed: "+err.Error(), nil)
		return
	}
	h.respond(w, true, "SoundTouch Stopped", nil)
}

func (h *API) SendDigits(w http.ResponseWriter, r *http.Request) {
	callUUID := r.FormValue("CallUUID")
	digits := r.FormValue("Digits")
	if callUUID == "" {
		h.respond(w, false, "CallUUID Parameter must be present", nil)
		return
	}
	if digits == "" {
		h.respond(w, false, "Digits Parameter must be present", nil)
		return
	}
	if err := h.mgr.SendDigits(callUUID, digits); err != nil {
		h.respond(w, false, "SendDigits Failed: "+err.Error(), nil)
		return
	}
	h.respond(w, true, "SendDigits Executed", nil)
}

// conferenceMemberHandler builds the handler for one member verb; MemberID
// takes a comma list, or "all".
func (h *API) conferenceMemberHandler(verb, successMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room := r.FormValue("ConferenceName")
		memberID := r.FormValue("MemberID")
		if room == "" {
			h.respond(w, false, "ConferenceName Parameter must be present", map[string]any{"Members": []string{}})
			return
		}
		if memberID == "" {
			h.respond(w, false, "MemberID Parameter must be present", map[string]any{"Members": []string{}})
			return
		}
		done, err := h.mgr.ConferenceMemberAction(room, verb, strings.Split(memberID, ","))
		if err != nil {
			h.respond(w, false, "Conference "+verb+" Failed: "+err.Error(), map[string]any{"Members": done})
			return
		}
		h.respond(w, true, "Conference "+successMsg, map[string]any{"Members": done})
	}
}

func (h *API) ConferenceRecordStart(w http.ResponseWriter, r *http.Request) {
	room := r.FormValue("ConferenceName")
	if room == "" {
		h.respond(w, false, "ConferenceName Parameter must be present", map[string]any{"RecordFile": ""})
		return
	}
	format := r.FormValue("FileFormat")
	if format == "" {
		format = "mp3"
	}
	recordFile, err := h.mgr.ConferenceRecordStart(room, format, r.FormValue("FilePath"), r.FormValue("FileName"))
	if err != nil {
		h.respond(w, false, "Conference RecordStart Failed: "+err.Error(), map[string]any{"RecordFile": ""})
		return
	}
	h.respond(w, true, "Conference RecordStart Executed", map[string]any{"RecordFile": recordFile})
}

func (h *API) ConferenceRecordStop(w http.ResponseWriter, r *http.Request) {
	room := r.FormValue("ConferenceName")
	recordFile := r.FormValue("RecordFile")
	if room == "" {
		h.respond(w, false, "ConferenceName Parameter must be present", nil)
		return
	}
	if recordFile == "" {
		h.respond(w, false, "RecordFile Parameter must be present", nil)
		return
	}
	if err := h.mgr.ConferenceRecordStop(room, recordFile); err != nil {
		h.respond(w, false, "Conference RecordStop Failed: "+err.Error(), nil)
		return
	}
	h.respond(w, true, "Conference RecordStop Executed", nil)
}

func (h *API) ConferencePlay(w http.ResponseWriter, r *http.Request) {
	room := r.FormValue("ConferenceName")
	filePath := r.FormValue("FilePath")
	if room == "" {
		h.respond(w, false, "ConferenceName Parameter must be present", nil)
		return
	}
	if filePath == "" {
		h.respond(w, false, "FilePath Parameter must be present", nil)
		return
	}
	if err := h.mgr.ConferencePlay(room, filePath, r.FormValue("MemberID")); err != nil {
		h.respond(w, false, "Conference Play Failed: "+err.Error(), nil)
		return
	}
	h.respond(w, true, "Conference Play Executed", nil)
}

func (h *API) ConferenceSpeak(w http.ResponseWriter, r *http.Request) {
	room := r.FormValue("ConferenceName")
	text := r.FormValue("Text")
	if room == "" {
		h.respond(w, false, "ConferenceName Parameter must be present", nil)
		return
	}
	if text == "" {
		h.respond(w, false, "Text Parameter must be present", nil)
		return
	}
	if err := h.mgr.ConferenceSpeak(room, text, r.FormValue("MemberID")); err != nil {
		h.respond(w, false, "Conference Speak Failed: "+err.Error(), nil)
		return
	}
	h.respond(w, true, "Conference Speak Executed", nil)
}

// memberFilter reads the list filter form fields.
func memberFilter(r *http.Request) MemberFilter {
	f := MemberFilter{
		MutedOnly: r.FormValue("MutedFilter") == "true",
		DeafOnly:  r.FormValue("DeafFilter") == "true",
	}
	if v := r.FormValue("MemberFilter"); v != "" {
		f.MemberIDs = strings.Split(v, ",")
	}
	if v := r.FormValue("CallUUIDFilter"); v != "" {
		f.CallUUIDs = strings.Split(v, ",")
	}
	return f
}

func (h *API) ConferenceListMembers(w http.ResponseWriter, r *http.Request) {
	room := r.FormValue("ConferenceName")
	if room == "" {
		h.respond(w, false, "ConferenceName Parameter must be present", nil)
		return
	}
	result, err := h.mgr.ConferenceListMembers(room, memberFilter(r))
	if err != nil {
		h.respond(w, false, "Conference ListMembers Failed: "+err.Error(), nil)
		return
	}
	h.respond(w, true, "Conference ListMembers Executed", map[string]any{"List": result})
}

func (h *API) ConferenceList(w http.ResponseWriter, r *http.Request) {
	result, err := h.mgr.ConferenceList(memberFilter(r))
	if err != nil {
		h.respond(w, false, "Conference List Failed: "+err.Error(), nil)
		return
	}
	h.respond(w, true, "Conference List Executed", map[string]any{"List": result})
}
