package bridge

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// ConferenceMember is one member row from the server's conference XML list.
type ConferenceMember struct {
	ID             string `json:"MemberID"`
	CallUUID       string `json:"CallUUID"`
	CallerIDNumber string `json:"CallerIDNumber"`
	CallerIDName   string `json:"CallerIDName"`
	JoinTime       string `json:"JoinTime"`
	Muted          bool   `json:"Muted"`
	Deaf           bool   `json:"Deaf"`
}

// ConferenceRoom is one conference with its member list.
type ConferenceRoom struct {
	Name        string             `json:"ConferenceName"`
	MemberCount int                `json:"MemberCount"`
	Members     []ConferenceMember `json:"Members"`
}

type xmlConferences struct {
	Conferences []xmlConference `xml:"conference"`
}

type xmlConference struct {
	Name        string      `xml:"name,attr"`
	MemberCount int         `xml:"member-count,attr"`
	Members     []xmlMember `xml:"members>member"`
}

type xmlMember struct {
	Type           string   `xml:"type,attr"`
	ID             string   `xml:"id"`
	UUID           string   `xml:"uuid"`
	CallerIDNumber string   `xml:"caller_id_number"`
	CallerIDName   string   `xml:"caller_id_name"`
	JoinTime       string   `xml:"join_time"`
	Flags          xmlFlags `xml:"flags"`
}

type xmlFlags struct {
	CanHear  string `xml:"can_hear"`
	CanSpeak string `xml:"can_speak"`
}

// parseConferenceList parses the api response of `conference xml_list`.
func parseConferenceList(body string) ([]ConferenceRoom, error) {
	body = strings.TrimSpace(body)
	if body == "" || strings.HasPrefix(body, "-ERR") {
		return nil, fmt.Errorf("conference list: %s", body)
	}
	var doc xmlConferences
	if err := xml.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("conference list: %w", err)
	}
	rooms := make([]ConferenceRoom, 0, len(doc.Conferences))
	for _, c := range doc.Conferences {
		room := ConferenceRoom{Name: c.Name, MemberCount: c.MemberCount}
		for _, mem := range c.Members {
			if mem.Type != "" && mem.Type != "caller" {
				continue
			}
			room.Members = append(room.Members, ConferenceMember{
				ID:             mem.ID,
				CallUUID:       mem.UUID,
				CallerIDNumber: mem.CallerIDNumber,
				CallerIDName:   mem.CallerIDName,
				JoinTime:       mem.JoinTime,
				Muted:          mem.Flags.CanSpeak == "false",
				Deaf:           mem.Flags.CanHear == "false",
			})
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// MemberFilter narrows conference list results.
type MemberFilter struct {
	MemberIDs []string // empty means all
	CallUUIDs []string
	MutedOnly bool
	DeafOnly  bool
}

func (f MemberFilter) matches(m ConferenceMember) bool {
	if f.MutedOnly && !m.Muted {
		return false
	}
	if f.DeafOnly && !m.Deaf {
		return false
	}
	if len(f.MemberIDs) > 0 && !containsOrAll(f.MemberIDs, m.ID) {
		return false
	}
	if len(f.CallUUIDs) > 0 && !containsOrAll(f.CallUUIDs, m.CallUUID) {
		return false
	}
	return true
}

func containsOrAll(list []string, v string) bool {
	for _, item := range list {
		if item == "all" || item == v {
			return true
		}
	}
	return false
}

func filterMembers(room ConferenceRoom, f MemberFilter) ConferenceRoom {
	out := ConferenceRoom{Name: room.Name, MemberCount: room.MemberCount}
	for _, m := range room.Members {
		if f.matches(m) {
			out.Members = append(out.Members, m)
		}
	}
	return out
}

// ConferenceList fetches every room with members, filtered.
func (m *Manager) ConferenceList(f MemberFilter) ([]ConferenceRoom, error) {
	res, err := m.API("conference xml_list")
	if err != nil {
		return nil, err
	}
	rooms, err := parseConferenceList(res.Response())
	if err != nil {
		return nil, err
	}
	out := make([]ConferenceRoom, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, filterMembers(room, f))
	}
	return out, nil
}

// ConferenceListMembers fetches one room's members, filtered.
func (m *Manager) ConferenceListMembers(room string, f MemberFilter) (ConferenceRoom, error) {
	res, err := m.API(fmt.Sprintf("conference %s xml_list", room))
	if err != nil {
		return ConferenceRoom{}, err
	}
	rooms, err := parseConferenceList(res.Response())
	if err != nil {
		return ConferenceRoom{}, err
	}
	for _, r := range rooms {
		if r.Name == room {
			return filterMembers(r, f), nil
		}
	}
	return ConferenceRoom{}, fmt.Errorf("conference %s not found", room)
}

// ConferenceMemberAction runs one member verb (mute, unmute, kick, deaf,
// undeaf, hup) against each listed member id ("all" targets every member).
func (m *Manager) ConferenceMemberAction(room, verb string, memberIDs []string) ([]string, error) {
	var done []string
	for _, member := range memberIDs {
		member = strings.TrimSpace(member)
		if member == "" {
			continue
		}
		res, err := m.API(fmt.Sprintf("conference %s %s %s", room, verb, member))
		if err != nil {
			return done, err
		}
		if !res.Success() {
			m.log.WithField("room", room).Errorf("conference %s failed for member %s: %s", verb, member, res.Response())
			continue
		}
		done = append(done, member)
	}
	return done, nil
}

// ConferencePlay plays a sound into the room, or to one member.
func (m *Manager) ConferencePlay(room, soundFile, memberID string) error {
	cmd := fmt.Sprintf("conference %s play %s", room, soundFile)
	if memberID != "" && memberID != "all" {
		cmd += " " + memberID
	} else {
		cmd += " async"
	}
	res, err := m.API(cmd)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("conference play: %s", res.Response())
	}
	return nil
}

// ConferenceSpeak says text into the room, or to one member.
func (m *Manager) ConferenceSpeak(room, text, memberID string) error {
	var cmd string
	if memberID != "" && memberID != "all" {
		cmd = fmt.Sprintf("conference %s saymember %s '%s'", room, memberID, text)
	} else {
		cmd = fmt.Sprintf("conference %s say '%s'", room, text)
	}
	res, err := m.API(cmd)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("conference speak: %s", res.Response())
	}
	return nil
}

// ConferenceRecordStart starts recording the room to the given file.
func (m *Manager) ConferenceRecordStart(room, fileFormat, filePath, fileName string) (string, error) {
	if fileFormat != "wav" && fileFormat != "mp3" {
		return "", fmt.Errorf("file format must be 'wav' or 'mp3'")
	}
	if filePath != "" && !strings.HasSuffix(filePath, "/") {
		filePath += "/"
	}
	if fileName == "" {
		fileName = fmt.Sprintf("%s_%s", nowStamp(), room)
	}
	recordFile := fmt.Sprintf("%s%s.%s", filePath, fileName, fileFormat)
	res, err := m.API(fmt.Sprintf("conference %s record %s", room, recordFile))
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("conference record: %s", res.Response())
	}
	return recordFile, nil
}

// ConferenceRecordStop stops recording of the given file, or "all".
func (m *Manager) ConferenceRecordStop(room, recordFile string) error {
	res, err := m.API(fmt.Sprintf("conference %s norecord %s", room, recordFile))
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("conference norecord: %s", res.Response())
	}
	return nil
}
