package chatsync

import "testing"

func TestUnreadHub(t *testing.T) {
	hub := NewUnreadHub()
	hub.SetChatUnread(2)

	var got []Badge
	unsubscribe := hub.Subscribe(func(b Badge) { got = append(got, b) })

	if len(got) != 1 || got[0].ChatUnread != 2 {
		t.Fatalf("subscriber should receive current totals first, got %+v", got)
	}

	hub.SetChatUnread(2)
	if len(got) != 1 {
		t.Error("unchanged totals should not notify")
	}

	hub.SetNotifications(4)
	hub.AddNotifications(1)
	if len(got) != 3 || got[2] != (Badge{ChatUnread: 2, Notifications: 5}) {
		t.Errorf("unexpected notifications: %+v", got)
	}

	unsubscribe()
	unsubscribe()
	hub.SetChatUnread(0)
	if len(got) != 3 {
		t.Error("unsubscribed observer was notified")
	}
	if hub.Badge() != (Badge{ChatUnread: 0, Notifications: 5}) {
		t.Errorf("Badge = %+v", hub.Badge())
	}
}

func TestUnreadHubsAreIndependent(t *testing.T) {
	a, b := NewUnreadHub(), NewUnreadHub()
	a.SetChatUnread(9)
	if b.Badge().ChatUnread != 0 {
		t.Error("hubs share state")
	}
}
