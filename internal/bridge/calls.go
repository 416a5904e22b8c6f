package bridge

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

func nowStamp() string { return time.Now().Format("20060102-150405") }

// ScheduleHangup schedules a kill on the call and returns the scheduler id
// used to cancel it.
func (m *Manager) ScheduleHangup(callUUID string, seconds int) (string, error) {
	schedID := uuid.NewString()
	res, err := m.API(fmt.Sprintf("sched_api %s +%d uuid_kill %s ALLOTTED_TIMEOUT", schedID, seconds, callUUID))
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("schedule hangup: %s", res.Response())
	}
	return schedID, nil
}

// CancelScheduled removes a scheduled task by id (hangup or play).
func (m *Manager) CancelScheduled(schedID string) error {
	res, err := m.API("sched_del " + schedID)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("cancel scheduled task: %s", res.Response())
	}
	return nil
}

// RecordStart begins recording a live call.
func (m *Manager) RecordStart(callUUID, fileFormat, filePath, fileName string, timeLimit int) (string, error) {
	if fileFormat != "wav" && fileFormat != "mp3" {
		return "", fmt.Errorf("file format must be 'wav' or 'mp3'")
	}
	if timeLimit <= 0 {
		timeLimit = 60
	}
	if filePath != "" && !strings.HasSuffix(filePath, "/") {
		filePath += "/"
	}
	if fileName == "" {
		fileName = fmt.Sprintf("%s_%s", nowStamp(), callUUID)
	}
	recordFile := fmt.Sprintf("%s%s.%s", filePath, fileName, fileFormat)
	res, err := m.API(fmt.Sprintf("uuid_record %s start %s %d", callUUID, recordFile, timeLimit))
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("record start: %s", res.Response())
	}
	return recordFile, nil
}

// RecordStop ends recording of the given file ("all" stops every recording
// on the call).
func (m *Manager) RecordStop(callUUID, recordFile string) error {
	res, err := m.API(fmt.Sprintf("uuid_record %s stop %s", callUUID, recordFile))
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("record stop: %s", res.Response())
	}
	return nil
}

// playString builds the broadcast play string from a comma-separated sound
// list; multiple files ride in a file_string with '!' separators.
func playString(sounds string, loop bool) string {
	var files []string
	for _, f := range strings.Split(sounds, ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	playStr := strings.Join(files, "!")
	if len(files) > 1 || loop {
		if loop {
			playStr = "file_string://loops=-1!" + playStr
		} else {
			playStr = "file_string://" + playStr
		}
	}
	return playStr
}

// broadcastLeg maps the Legs parameter to a uuid_broadcast leg flag.
func broadcastLeg(legs string) (string, error) {
	switch legs {
	case "", "aleg":
		return "aleg", nil
	case "bleg":
		return "bleg", nil
	case "both":
		return "both", nil
	}
	return "", fmt.Errorf("legs must be 'aleg', 'bleg' or 'both'")
}

// Play broadcasts sounds on a live call. A positive length schedules a stop
// after that many seconds.
func (m *Manager) Play(callUUID, sounds, legs string, length int, loop bool) error {
	leg, err := broadcastLeg(legs)
	if err != nil {
		return err
	}
	playStr := playString(sounds, loop)
	if playStr == "" {
		return fmt.Errorf("no sounds to play")
	}
	res, err := m.API(fmt.Sprintf("uuid_broadcast %s %s %s", callUUID, playStr, leg))
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("play: %s", res.Response())
	}
	if length > 0 {
		m.API(fmt.Sprintf("sched_api +%d none uuid_break %s all", length, callUUID))
	}
	return nil
}

// SchedulePlay schedules a broadcast and returns the scheduler id.
func (m *Manager) SchedulePlay(callUUID, sounds, legs string, seconds int, loop bool) (string, error) {
	leg, err := broadcastLeg(legs)
	if err != nil {
		return "", err
	}
	playStr := playString(sounds, loop)
	if playStr == "" {
		return "", fmt.Errorf("no sounds to play")
	}
	schedID := uuid.NewString()
	res, err := m.API(fmt.Sprintf("sched_api %s +%d uuid_broadcast %s %s %s", schedID, seconds, callUUID, playStr, leg))
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("schedule play: %s", res.Response())
	}
	return schedID, nil
}

// PlayStop interrupts any broadcast running on the call.
func (m *Manager) PlayStop(callUUID string) error {
	res, err := m.API(fmt.Sprintf("uuid_break %s all", callUUID))
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("play stop: %s", res.Response())
	}
	return nil
}

// SendDigits injects DTMF into a live call.
func (m *Manager) SendDigits(callUUID, digits string) error {
	res, err := m.API(fmt.Sprintf("uuid_send_dtmf %s %s", callUUID, digits))
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("send digits: %s", res.Response())
	}
	return nil
}

// SoundTouchParams select the audio effects applied to a call.
type SoundTouchParams struct {
	Direction      string // in (default) or out
	PitchSemiTones string
	PitchOctaves   string
	Pitch          string
	Rate           string
	Tempo          string
}

// SoundTouch applies pitch/rate/tempo effects to a live call.
func (m *Manager) SoundTouch(callUUID string, p SoundTouchParams) error {
	args := []string{"start"}
	if p.Direction == "out" {
		args = append(args, "send_leg")
	} else if p.Direction != "" && p.Direction != "in" {
		return fmt.Errorf("audio direction must be 'in' or 'out'")
	}
	appendFloat := func(raw, suffix string) error {
		if raw == "" {
			return nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid soundtouch value %q", raw)
		}
		args = append(args, fmt.Sprintf("%g%s", v, suffix))
		return nil
	}
	if err := appendFloat(p.PitchSemiTones, "s"); err != nil {
		return err
	}
	if err := appendFloat(p.PitchOctaves, "o"); err != nil {
		return err
	}
	if err := appendFloat(p.Pitch, "p"); err != nil {
		return err
	}
	if err := appendFloat(p.Rate, "r"); err != nil {
		return err
	}
	if err := appendFloat(p.Tempo, "t"); err != nil {
		return err
	}
	res, err := m.API(fmt.Sprintf("soundtouch %s %s", callUUID, strings.Join(args, " ")))
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("soundtouch: %s", res.Response())
	}
	return nil
}

// SoundTouchStop removes the audio effects from a call.
func (m *Manager) SoundTouchStop(callUUID string) error {
	res, err := m.API(fmt.Sprintf("soundtouch %s stop", callUUID))
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("soundtouch stop: %s", res.Response())
	}
	return nil
}
