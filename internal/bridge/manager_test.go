package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fs-bridge/internal/eventsocket"
	"fs-bridge/internal/webhook"
)

// newTestManager builds a manager on an unconnected inbound client; every
// server command fails fast with a transport error.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	client := eventsocket.NewInbound(eventsocket.InboundOptions{Addr: "127.0.0.1:1"}, nil)
	web := webhook.NewClient("MAXXXXXXXXXXXXXXXXXX", "token", nil)
	return NewManager(client, web, "127.0.0.1:8084", "POST", nil)
}

func TestSplitCodecs(t *testing.T) {
	assert.Equal(t, []string{"'PCMA,PCMU'", "G729"}, splitCodecs("'PCMA,PCMU',G729"))
	assert.Equal(t, []string{`"a,b"`, "c", ""}, splitCodecs(`"a,b",c,`))
	assert.Equal(t, []string{"PCMU"}, splitCodecs("PCMU"))
}

func TestBuildGatewaysExpandsRetries(t *testing.T) {
	p := OriginateParams{
		CallerID:        "5550100",
		To:              "1002",
		Gateways:        "sofia/gateway/gw1/,user",
		GatewayTimeouts: "10",
		GatewayRetries:  "2,1",
		AnswerURL:       "http://x.example.com/answer/",
	}
	gws := buildGateways(p, "req-1", nil)
	require.Len(t, gws, 3) // gw1 twice, user once

	assert.Equal(t, "sofia/gateway/gw1", gws[0].Gateway)
	assert.Equal(t, "sofia/gateway/gw1", gws[1].Gateway)
	assert.Equal(t, "user", gws[2].Gateway)
	assert.Equal(t, 10, gws[0].Timeout)
	assert.Equal(t, 60, gws[2].Timeout) // default
	assert.Equal(t, "1002", gws[0].To)

	vars := gws[0].ExtraDialString
	assert.Contains(t, vars, "plivo_request_uuid=req-1")
	assert.Contains(t, vars, "plivo_answer_url=http://x.example.com/answer/")
	assert.Contains(t, vars, "origination_caller_id_number=5550100")
	assert.NotContains(t, vars, "execute_on_ring")
	assert.NotContains(t, vars, "sched_api")
}

func TestBuildGatewaysStripsInjectedDestinations(t *testing.T) {
	p := OriginateParams{To: "1002,sofia/evil/666", Gateways: "gw"}
	gws := buildGateways(p, "req-1", nil)
	require.Len(t, gws, 1)
	assert.Equal(t, "1002", gws[0].To)
}

func TestBuildGatewaysHangupOnRing(t *testing.T) {
	p := OriginateParams{To: "1", Gateways: "gw", HangupOnRing: "0"}
	gws := buildGateways(p, "r", nil)
	assert.Contains(t, gws[0].ExtraDialString, "execute_on_ring='hangup ORIGINATOR_CANCEL'")

	p.HangupOnRing = "15"
	gws = buildGateways(p, "r", nil)
	assert.Contains(t, gws[0].ExtraDialString, "execute_on_ring='sched_hangup +15 ORIGINATOR_CANCEL'")

	p.HangupOnRing = "junk"
	gws = buildGateways(p, "r", nil)
	assert.NotContains(t, gws[0].ExtraDialString, "execute_on_ring")
}

func TestBuildGatewaysTimeLimitAndDigits(t *testing.T) {
	p := OriginateParams{To: "1", Gateways: "gw", TimeLimit: "3600", SendDigits: "w1234"}
	gws := buildGateways(p, "req-9", nil)
	vars := gws[0].ExtraDialString
	assert.Contains(t, vars, "execute_on_answer='send_dtmf w1234'")
	assert.Contains(t, vars, "+3600 hupall ALLOTTED_TIMEOUT plivo_request_uuid req-9")
	assert.Contains(t, vars, "plivo_sched_hangup_id=")
}

func TestPrepareCallRequestRegisters(t *testing.T) {
	m := newTestManager(t)
	req := m.PrepareCallRequest(OriginateParams{
		CallerID:  "100",
		To:        "1002",
		Gateways:  "gw",
		AnswerURL: "http://x.example.com/answer/",
	})
	require.NotEmpty(t, req.RequestUUID)
	require.Len(t, req.Gateways, 1)

	m.mu.Lock()
	_, ok := m.callRequests[req.RequestUUID]
	m.mu.Unlock()
	assert.True(t, ok)
}

func TestPrepareGroupCallRequestChainsMembers(t *testing.T) {
	m := newTestManager(t)
	members := []OriginateParams{
		{To: "1001", Gateways: "gw1", AnswerURL: "http://x.example.com/a/"},
		{To: "1002", Gateways: "gw2,gw3", AnswerURL: "http://x.example.com/a/"},
	}
	req := m.PrepareGroupCallRequest(members, GroupOptions{
		ConfirmSound: "http://x.example.com/confirm.wav",
		ConfirmKey:   "5",
		RejectCauses: "USER_BUSY, NO_ANSWER",
	})
	require.Len(t, req.Gateways, 3)
	assert.Equal(t, "1001", req.Gateways[0].To)
	assert.Equal(t, "1002", req.Gateways[1].To)
	assert.Equal(t, "gw3", req.Gateways[2].Gateway)

	// Every slot shares the request id and the group confirm variables.
	for _, gw := range req.Gateways {
		assert.Equal(t, req.RequestUUID, gw.RequestUUID)
		assert.Contains(t, gw.ExtraDialString, "group_confirm_file=http://x.example.com/confirm.wav")
		assert.Contains(t, gw.ExtraDialString, "group_confirm_key=5")
		assert.Contains(t, gw.ExtraDialString, "group_confirm_cancel_timeout=1")
		assert.Contains(t, gw.ExtraDialString, "fail_on_single_reject='USER_BUSY NO_ANSWER'")
	}
}

func TestPrepareGroupCallConfirmWithoutKey(t *testing.T) {
	m := newTestManager(t)
	req := m.PrepareGroupCallRequest([]OriginateParams{
		{To: "1001", Gateways: "gw1", AnswerURL: "http://x.example.com/a/"},
	}, GroupOptions{ConfirmSound: "/sounds/confirm.wav"})
	require.Len(t, req.Gateways, 1)
	vars := req.Gateways[0].ExtraDialString
	assert.Contains(t, vars, "group_confirm_file=playback /sounds/confirm.wav")
	assert.Contains(t, vars, "group_confirm_key=exec")
}

func TestPlayString(t *testing.T) {
	assert.Equal(t, "a.wav", playString("a.wav", false))
	assert.Equal(t, "file_string://a.wav!b.wav", playString("a.wav, b.wav", false))
	assert.Equal(t, "file_string://loops=-1!a.wav", playString("a.wav", true))
}

func TestBroadcastLeg(t *testing.T) {
	for in, want := range map[string]string{"": "aleg", "aleg": "aleg", "bleg": "bleg", "both": "both"} {
		got, err := broadcastLeg(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := broadcastLeg("cleg")
	assert.Error(t, err)
}

func TestSoundTouchValidation(t *testing.T) {
	m := newTestManager(t)

	err := m.SoundTouch("uuid-1", SoundTouchParams{Direction: "sideways"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "direction")

	err = m.SoundTouch("uuid-1", SoundTouchParams{Tempo: "fast"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "soundtouch value")
}
