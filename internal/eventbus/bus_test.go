package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterPluginDeniesUnlistedTopic(t *testing.T) {
	b := New(4)
	b.RegisterPlugin("p1", []string{"video.created", "video.deleted"}, []string{"video.created"})

	subs := b.Subscribers("video.created")
	require.Contains(t, subs, "p1")
	require.NotContains(t, b.Subscribers("video.deleted"), "p1")
}

func TestPublishDeliversToTopicAndWildcardSubscribers(t *testing.T) {
	b := New(4)
	mailboxA := b.RegisterPlugin("a", []string{"video.created"}, []string{"video.created"})
	mailboxB := b.RegisterPlugin("b", []string{WildcardTopic}, []string{WildcardTopic})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n := b.Publish(ctx, Event{Topic: "video.created", Source: "scanner"})
	require.Equal(t, 2, n)

	select {
	case ev := <-mailboxA:
		require.Equal(t, "video.created", ev.Topic)
	default:
		t.Fatal("expected event in mailbox a")
	}
	select {
	case ev := <-mailboxB:
		require.Equal(t, "video.created", ev.Topic)
	default:
		t.Fatal("expected event in mailbox b")
	}
}

func TestPublishDoesNotDoubleDeliverToplusWildcard(t *testing.T) {
	b := New(4)
	mailbox := b.RegisterPlugin("p1", []string{"video.created", WildcardTopic}, []string{"video.created", WildcardTopic})

	ctx := context.Background()
	n := b.Publish(ctx, Event{Topic: "video.created"})
	require.Equal(t, 1, n)
	require.Len(t, mailbox, 1)
}

func TestUnregisterPluginRemovesSubscriptions(t *testing.T) {
	b := New(4)
	b.RegisterPlugin("p1", []string{"video.created"}, []string{"video.created"})
	b.UnregisterPlugin("p1")

	require.NotContains(t, b.Subscribers("video.created"), "p1")

	ctx := context.Background()
	n := b.Publish(ctx, Event{Topic: "video.created"})
	require.Equal(t, 0, n)
}

func TestPublishDropsSilentlyWhenMailboxIsFull(t *testing.T) {
	b := New(1)
	mailbox := b.RegisterPlugin("p1", []string{"video.created"}, []string{"video.created"})

	ctx := context.Background()
	require.Equal(t, 1, b.Publish(ctx, Event{Topic: "video.created"}))
	require.Equal(t, 0, b.Publish(ctx, Event{Topic: "video.created"}))
	require.Len(t, mailbox, 1)
}
