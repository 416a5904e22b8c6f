package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const conferenceListXML = `<conferences>
  <conference name="sales" member-count="3">
    <members>
      <member type="caller">
        <id>1</id>
        <uuid>uuid-a</uuid>
        <caller_id_number>1001</caller_id_number>
        <caller_id_name>Alice</caller_id_name>
        <join_time>00:01:02</join_time>
        <flags>
          <can_hear>true</can_hear>
          <can_speak>false</can_speak>
        </flags>
      </member>
      <member type="caller">
        <id>2</id>
        <uuid>uuid-b</uuid>
        <caller_id_number>1002</caller_id_number>
        <caller_id_name>Bob</caller_id_name>
        <join_time>00:00:10</join_time>
        <flags>
          <can_hear>false</can_hear>
          <can_speak>true</can_speak>
        </flags>
      </member>
      <member type="recording_node">
        <id>3</id>
        <uuid>uuid-rec</uuid>
      </member>
    </members>
  </conference>
</conferences>`

func TestParseConferenceList(t *testing.T) {
	rooms, err := parseConferenceList(conferenceListXML)
	require.NoError(t, err)
	require.Len(t, rooms, 1)

	room := rooms[0]
	assert.Equal(t, "sales", room.Name)
	assert.Equal(t, 3, room.MemberCount)
	require.Len(t, room.Members, 2) // recording node filtered out

	alice := room.Members[0]
	assert.Equal(t, "1", alice.ID)
	assert.Equal(t, "uuid-a", alice.CallUUID)
	assert.Equal(t, "1001", alice.CallerIDNumber)
	assert.True(t, alice.Muted)
	assert.False(t, alice.Deaf)

	bob := room.Members[1]
	assert.False(t, bob.Muted)
	assert.True(t, bob.Deaf)
}

func TestParseConferenceListErrors(t *testing.T) {
	_, err := parseConferenceList("")
	assert.Error(t, err)

	_, err = parseConferenceList("-ERR Command not found!")
	assert.Error(t, err)

	_, err = parseConferenceList("<conferences><broken")
	assert.Error(t, err)
}

func TestMemberFilter(t *testing.T) {
	rooms, err := parseConferenceList(conferenceListXML)
	require.NoError(t, err)
	room := rooms[0]

	filtered := filterMembers(room, MemberFilter{MemberIDs: []string{"2"}})
	require.Len(t, filtered.Members, 1)
	assert.Equal(t, "uuid-b", filtered.Members[0].CallUUID)

	filtered = filterMembers(room, MemberFilter{MemberIDs: []string{"all"}})
	assert.Len(t, filtered.Members, 2)

	filtered = filterMembers(room, MemberFilter{MutedOnly: true})
	require.Len(t, filtered.Members, 1)
	assert.Equal(t, "1", filtered.Members[0].ID)

	filtered = filterMembers(room, MemberFilter{CallUUIDs: []string{"uuid-b"}, DeafOnly: true})
	require.Len(t, filtered.Members, 1)
	assert.Equal(t, "Bob", filtered.Members[0].CallerIDName)

	filtered = filterMembers(room, MemberFilter{MemberIDs: []string{"99"}})
	assert.Empty(t, filtered.Members)
}
