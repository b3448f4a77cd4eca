package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftmail/driftmail/internal/store"
)

func boolp(b bool) *bool { return &b }

func TestResolveRemoteDeletionWins(t *testing.T) {
	p := DefaultPolicy()

	update := store.PendingChange{
		Kind:           store.KindUpdate,
		TargetRemoteID: "m1",
		Payload:        store.ChangePayload{SetRead: boolp(true)},
	}
	require.Equal(t, KeepRemote, p.Resolve(update, nil))

	del := store.PendingChange{Kind: store.KindDelete, TargetRemoteID: "m1"}
	require.Equal(t, KeepRemote, p.Resolve(del, nil))
}

func TestResolveCreateAlwaysKeepsLocal(t *testing.T) {
	p := DefaultPolicy()
	create := store.PendingChange{
		Kind:    store.KindCreate,
		Payload: store.ChangePayload{Draft: &store.Draft{Subject: "hi"}},
	}
	require.Equal(t, KeepLocal, p.Resolve(create, nil))
	require.Equal(t, KeepLocal, p.Resolve(create, &Item{RemoteID: "m1"}))
}

func TestResolveStarIsLocalIntent(t *testing.T) {
	p := DefaultPolicy()
	remote := &Item{RemoteID: "m1", IsStarred: false}

	starOnly := store.PendingChange{
		Kind:           store.KindUpdate,
		TargetRemoteID: "m1",
		Payload:        store.ChangePayload{SetStarred: boolp(true)},
	}
	require.Equal(t, KeepLocal, p.Resolve(starOnly, remote))

	mixed := store.PendingChange{
		Kind:           store.KindUpdate,
		TargetRemoteID: "m1",
		Payload: store.ChangePayload{
			SetStarred: boolp(true),
			AddLabels:  []string{"work"},
		},
	}
	require.Equal(t, Reapply, p.Resolve(mixed, remote))
}

func TestResolveRemoteOwnedFields(t *testing.T) {
	p := DefaultPolicy()
	remote := &Item{RemoteID: "m1"}

	read := store.PendingChange{
		Kind:           store.KindUpdate,
		TargetRemoteID: "m1",
		Payload:        store.ChangePayload{SetRead: boolp(true)},
	}
	require.Equal(t, KeepRemote, p.Resolve(read, remote))

	labels := store.PendingChange{
		Kind:           store.KindUpdate,
		TargetRemoteID: "m1",
		Payload:        store.ChangePayload{AddLabels: []string{"work"}},
	}
	require.Equal(t, KeepRemote, p.Resolve(labels, remote))
}

func TestResolveDeleteOfLiveItemRetries(t *testing.T) {
	p := DefaultPolicy()
	del := store.PendingChange{Kind: store.KindDelete, TargetRemoteID: "m1"}
	require.Equal(t, KeepLocal, p.Resolve(del, &Item{RemoteID: "m1"}))
}

func TestResolveIsDeterministic(t *testing.T) {
	p := DefaultPolicy()
	pending := store.PendingChange{
		Kind:           store.KindUpdate,
		TargetRemoteID: "m1",
		Payload:        store.ChangePayload{SetStarred: boolp(true), SetRead: boolp(false)},
	}
	remote := &Item{RemoteID: "m1", IsRead: true}

	first := p.Resolve(pending, remote)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, p.Resolve(pending, remote))
	}
}

func TestRebasePayloadDropsRemoteOwnedFields(t *testing.T) {
	rebased := RebasePayload(store.ChangePayload{
		SetRead:      boolp(true),
		SetStarred:   boolp(true),
		AddLabels:    []string{"work"},
		RemoveLabels: []string{"travel"},
		Archive:      true,
	})

	require.Nil(t, rebased.SetRead)
	require.Empty(t, rebased.AddLabels)
	require.Empty(t, rebased.RemoveLabels)
	require.NotNil(t, rebased.SetStarred)
	require.True(t, rebased.Archive)
}
