package v1

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTopic(t *testing.T) {
	t.Parallel()

	sc, err := ParseTopic(ConversationMessagesTopic("c1"))
	require.NoError(t, err)
	require.Equal(t, TopicScope{Conversation: "c1", Kind: KindMessageInserted}, sc)

	sc, err = ParseTopic(PartyMessagesTopic("p1"))
	require.NoError(t, err)
	require.Equal(t, TopicScope{Party: "p1", Kind: KindMessageInserted}, sc)

	sc, err = ParseTopic(PartyConversationsTopic("p1"))
	require.NoError(t, err)
	require.Equal(t, TopicScope{Party: "p1", Kind: KindConversationUpdated}, sc)

	for _, bad := range []string{"", "party::messages", "party:p1", "conversation:c1:conversations", "x:y:z"} {
		_, err := ParseTopic(bad)
		require.Error(t, err, bad)
	}
}
