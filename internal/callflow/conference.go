package callflow

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"fs-bridge/internal/webhook"
)

const conferenceMaxMembers = 200

// ConferenceVerb joins this call to a named conference room.
type ConferenceVerb struct {
	Room           string
	FullRoom       string
	WaitSound      string
	Muted          bool
	StartOnEnter   bool
	EndOnExit      bool
	StayAlone      bool
	MaxMembers     int
	EnterSound     string
	ExitSound      string
	TimeLimit      int
	HangupOnStar   bool
	RecordFilePath string
	RecordFormat   string
	RecordFileName string
	Action         string
	Method         string
	CallbackURL    string
	CallbackMethod string
	DigitsMatch    string
	FloorEvent     bool
}

func (v *ConferenceVerb) VerbName() string { return "Conference" }

func parseConference(n *node) (Verb, error) {
	room := n.text()
	if room == "" {
		return nil, fmt.Errorf("%w: Conference room must be defined", ErrFormat)
	}
	a := attrMap(n.attrs())
	method, err := a.method("method")
	if err != nil {
		return nil, err
	}
	callbackMethod, err := a.method("callbackMethod")
	if err != nil {
		return nil, fmt.Errorf("%w: callbackMethod must be 'GET' or 'POST'", ErrAttribute)
	}
	format := a.str("recordFileFormat")
	if format != "wav" && format != "mp3" {
		return nil, fmt.Errorf("%w: Conference record format must be 'wav' or 'mp3'", ErrFormat)
	}
	timeLimit := a.integer("timeLimit", 0)
	if timeLimit < 0 {
		timeLimit = 0
	}
	maxMembers := a.integer("maxMembers", conferenceMaxMembers)
	if maxMembers <= 0 || maxMembers > conferenceMaxMembers {
		maxMembers = conferenceMaxMembers
	}
	recordPath := a.str("recordFilePath")
	if recordPath != "" {
		recordPath = path.Clean(recordPath) + "/"
	}
	return &ConferenceVerb{
		Room:           room,
		FullRoom:       room + "@plivo",
		WaitSound:      a.str("waitSound"),
		Muted:          a.boolean("muted"),
		StartOnEnter:   a.boolean("startConferenceOnEnter"),
		EndOnExit:      a.boolean("endConferenceOnExit"),
		StayAlone:      a.boolean("stayAlone"),
		MaxMembers:     maxMembers,
		EnterSound:     a.str("enterSound"),
		ExitSound:      a.str("exitSound"),
		TimeLimit:      timeLimit,
		HangupOnStar:   a.boolean("hangupOnStar"),
		RecordFilePath: recordPath,
		RecordFormat:   format,
		RecordFileName: a.str("recordFileName"),
		Action:         a.str("action"),
		Method:         method,
		CallbackURL:    a.str("callbackUrl"),
		CallbackMethod: callbackMethod,
		DigitsMatch:    a.str("digitsMatch"),
		FloorEvent:     a.boolean("floorEvent"),
	}, nil
}

// notify posts a conference membership callback.
func (v *ConferenceVerb) notify(s *CallSession, confID, memberID, action string) {
	if v.CallbackURL == "" || confID == "" || memberID == "" {
		return
	}
	params := url.Values{}
	params.Set("ConferenceName", v.Room)
	params.Set("ConferenceUUID", confID)
	params.Set("ConferenceMemberID", memberID)
	params.Set("ConferenceAction", action)
	go s.web.Post(v.CallbackURL, params, v.CallbackMethod)
}

func (v *ConferenceVerb) Execute(s *CallSession) (*Redirect, error) {
	s.Set("conference_controls=none")
	if v.MaxMembers > 0 {
		s.Set(fmt.Sprintf("conference_max_members=%d", v.MaxMembers))
	} else {
		s.Unset("conference_max_members")
	}

	var recordFile string
	if v.RecordFilePath != "" {
		filename := v.RecordFileName
		if filename == "" {
			filename = fmt.Sprintf("%s_%s", time.Now().Format("20060102-150405"), s.CallUUID)
		}
		recordFile = fmt.Sprintf("%s%s.%s", v.RecordFilePath, filename, v.RecordFormat)
	}

	if mohs := fetchPlayString(s, v.WaitSound); len(mohs) > 0 {
		s.Set("playback_delimiter=!")
		playStr := "file_string://silence_stream://1!" + strings.Join(mohs, "!")
		s.Set("conference_moh_sound=" + playStr)
	} else {
		s.Unset("conference_moh_sound")
	}

	var flags []string
	if v.Muted {
		flags = append(flags, "mute")
	}
	if v.StartOnEnter {
		flags = append(flags, "moderator")
	}
	if !v.StayAlone {
		flags = append(flags, "mintwo")
	}
	if v.EndOnExit {
		flags = append(flags, "endconf")
	}
	if len(flags) > 0 {
		s.Set("conference_member_flags=" + strings.Join(flags, ","))
	} else {
		s.Unset("conference_member_flags")
	}

	switch v.ExitSound {
	case "beep:1":
		s.Set("conference_exit_sound=tone_stream://%(300,200,700)")
	case "beep:2":
		s.Set("conference_exit_sound=tone_stream://L=2;%(300,200,700)")
	}

	if v.TimeLimit > 0 {
		schedGroup := "conf_" + v.Room
		// Replace any kickall task left over from a previous occupancy.
		s.API("sched_del " + schedGroup)
		s.API(fmt.Sprintf("sched_api +%d %s conference %s kick all", v.TimeLimit, schedGroup, v.Room))
		s.log.WithField("room", v.Room).Warnf("conference time limit set to %d seconds", v.TimeLimit)
	}

	s.log.WithField("room", v.Room).WithField("flags", strings.Join(flags, ",")).Info("entering conference")
	res, err := s.ConferenceJoin(v.FullRoom)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		s.log.WithField("room", v.Room).Error("entering conference failed")
		return nil, nil
	}

	event := s.WaitForAction()
	var confID, memberID, digitRealm string
	if event.Get("Event-Subclass") == "conference::maintenance" &&
		event.Get("Action") == "add-member" {
		memberID = event.Get("Member-ID")
		confID = event.Get("Conference-Unique-ID")
		s.log.WithField("member_id", memberID).Debug("entered conference")
		hasFloor := event.Get("Floor") == "true"
		canSpeak := event.Get("Speak") == "true"
		isFirst := event.Get("Conference-Size") == "1"

		v.notify(s, confID, memberID, "enter")
		if v.FloorEvent && hasFloor && canSpeak && isFirst {
			v.notify(s, confID, memberID, "floor")
		}

		if v.DigitsMatch != "" && v.CallbackURL != "" {
			template := fmt.Sprintf(
				"Event-Name=CUSTOM,Event-Subclass=conference::maintenance,Action=digits-match,Unique-ID=%s,Callback-Url=%s,Callback-Method=%s,Member-ID=%s,Conference-Name=%s,Conference-Unique-ID=%s",
				s.CallUUID, v.CallbackURL, v.CallbackMethod, memberID, v.Room, confID)
			digitRealm = "plivo_bda_" + s.CallUUID
			for _, dmatch := range strings.Split(v.DigitsMatch, ",") {
				dmatch = strings.TrimSpace(dmatch)
				if dmatch == "" {
					continue
				}
				raw := fmt.Sprintf("%s,Digits-Match=%s", template, dmatch)
				s.BindDigitAction(fmt.Sprintf("%s,%s,exec:event,'%s'", digitRealm, dmatch, raw))
			}
		}
		if v.HangupOnStar {
			raw := fmt.Sprintf(
				"Event-Name=CUSTOM,Event-Subclass=conference::maintenance,Action=kick,Unique-ID=%s,Member-ID=%s,Conference-Name=%s,Conference-Unique-ID=%s",
				s.CallUUID, memberID, v.Room, confID)
			digitRealm = "plivo_bda_" + s.CallUUID
			s.BindDigitAction(fmt.Sprintf("%s,*,exec:event,'%s'", digitRealm, raw))
		}
		if digitRealm != "" {
			s.DigitActionSetRealm(digitRealm)
		}

		if memberID != "" {
			switch v.EnterSound {
			case "beep:1":
				s.BGAPI(fmt.Sprintf("conference %s play tone_stream://%%(300,200,700) async", v.Room))
			case "beep:2":
				s.BGAPI(fmt.Sprintf("conference %s play tone_stream://L=2;%%(300,200,700) async", v.Room))
			}
		}

		if recordFile != "" {
			s.BGAPI(fmt.Sprintf("conference %s record %s", v.Room, recordFile))
			s.log.WithField("record_file", recordFile).Info("conference recording started")
		}

		// Floor changes keep the member in the room; any other action ends
		// this membership.
		s.log.WithField("room", v.Room).Debug("waiting for conference end")
		for s.Ready() {
			event = s.WaitForAction()
			if event.Get("Action") == "floor-change" {
				v.notify(s, confID, memberID, "floor")
				continue
			}
			break
		}
	}

	if digitRealm != "" {
		s.ClearDigitAction(digitRealm)
	}
	v.notify(s, confID, memberID, "exit")
	s.log.WithField("room", v.Room).Info("leaving conference")

	if v.Action == "" || !webhook.ValidURL(v.Action) {
		return nil, nil
	}
	params := url.Values{}
	params.Set("ConferenceName", v.Room)
	params.Set("ConferenceUUID", confID)
	params.Set("ConferenceMemberID", memberID)
	if recordFile != "" {
		params.Set("RecordFile", recordFile)
	}
	return &Redirect{URL: v.Action, Params: params, Method: v.Method}, nil
}
