package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dayuer/stickerbot/internal/bus"
)

// RunChannelContractTests runs the standard contract tests that ALL channels must pass.
func RunChannelContractTests(t *testing.T, ch Channel) {
	t.Helper()

	t.Run("Contract/Name_NonEmpty", func(t *testing.T) {
		assert.NotEmpty(t, ch.Name(), "Channel.Name() must return non-empty string")
	})
	t.Run("Contract/NotRunningBeforeStart", func(t *testing.T) {
		assert.False(t, ch.IsRunning())
	})
	t.Run("Contract/StopBeforeStart", func(t *testing.T) {
		assert.NoError(t, ch.Stop())
	})
}

func TestBaseChannel_IsAllowed_EmptyList(t *testing.T) {
	b := &BaseChannel{AllowFrom: []string{}}
	assert.True(t, b.IsAllowed("anyone"))
}

func TestBaseChannel_IsAllowed_InList(t *testing.T) {
	b := &BaseChannel{AllowFrom: []string{"Alice", "5511999990000"}}
	assert.True(t, b.IsAllowed("Alice"))
	assert.True(t, b.IsAllowed("5511999990000"))
	assert.False(t, b.IsAllowed("Bob"))
}

func TestBaseChannel_IsAllowed_PipeSeparated(t *testing.T) {
	b := &BaseChannel{AllowFrom: []string{"Alice"}}
	assert.True(t, b.IsAllowed("Alice|5511999990000"))
	assert.False(t, b.IsAllowed("Bob|Carol"))
}

func TestBaseChannel_HandleEvent(t *testing.T) {
	b := &BaseChannel{Inbox: bus.NewInbox(), AllowFrom: []string{"Alice"}}

	assert.True(t, b.HandleEvent(bus.Text("Alice", "hello")))
	assert.False(t, b.HandleEvent(bus.Text("Mallory", "hello")))

	assert.Equal(t, []string{"Alice"}, b.Inbox.Drain())
}

func TestBaseChannel_HandleEvent_NoInbox(t *testing.T) {
	b := &BaseChannel{}
	assert.False(t, b.HandleEvent(bus.Text("Alice", "hello")))
}

func TestBaseChannel_FilterAllowed(t *testing.T) {
	b := &BaseChannel{AllowFrom: []string{"Ana", "Zé", "Bruno"}}
	got := b.filterAllowed(
		[]string{"Zé", " Ana ", "Mallory", ""},
		[]string{"Ana", "Bruno"},
	)
	assert.Equal(t, []string{"Ana", "Bruno", "Zé"}, got)
}
