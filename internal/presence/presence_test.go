package presence

import (
	"fmt"
	"testing"
)

const conv = "conv1"

// expected restates the documented priority order as a lookup, independent of
// how Reduce is written.
func expected(online, typing, here, privileged bool, act Activity, lastSeen int64) Status {
	special := map[Activity]Kind{ActivityCall: KindCall, ActivityVideo: KindVideo, ActivityLive: KindLive, ActivityGame: KindGame}
	switch {
	case online && !privileged && act != ActivityNone:
		return Status{Kind: special[act]}
	case here && typing:
		return Status{Kind: KindTyping}
	case here:
		return Status{Kind: KindInChat}
	case typing && !privileged:
		return Status{Kind: KindChattingElsewhere}
	case online:
		return Status{Kind: KindOnline}
	default:
		return Status{Kind: KindLastSeen, LastSeenAt: lastSeen}
	}
}

func TestReduceAllCombinations(t *testing.T) {
	bools := []bool{false, true}
	activities := []Activity{ActivityNone, ActivityCall, ActivityVideo, ActivityLive, ActivityGame}
	const lastSeen = int64(1_700_000_000_000)

	for _, privileged := range bools {
		for _, online := range bools {
			for _, typing := range bools {
				for _, here := range bools {
					for _, act := range activities {
						hereID := "conv2"
						if here {
							hereID = conv
						}
						s := Snapshot{
							Online:             online,
							Typing:             typing,
							HereConversationID: hereID,
							Activity:           act,
							LastSeenAt:         lastSeen,
							PeerPrivileged:     privileged,
						}
						name := fmt.Sprintf("priv=%v/online=%v/typing=%v/here=%v/%v", privileged, online, typing, here, act)
						t.Run(name, func(t *testing.T) {
							want := expected(online, typing, here, privileged, act, lastSeen)
							if got := Reduce(s, conv); got != want {
								t.Errorf("Reduce() = %v, want %v", got, want)
							}
						})
					}
				}
			}
		}
	}
}

func TestReducePriority(t *testing.T) {
	tests := []struct {
		name string
		snap Snapshot
		want Status
	}{
		{
			name: "activity beats here",
			snap: Snapshot{Online: true, Activity: ActivityCall, HereConversationID: conv},
			want: Status{Kind: KindCall},
		},
		{
			name: "activity ignored when offline",
			snap: Snapshot{Activity: ActivityLive, HereConversationID: NoConversation, LastSeenAt: 5},
			want: Status{Kind: KindLastSeen, LastSeenAt: 5},
		},
		{
			name: "privileged peer hides activity",
			snap: Snapshot{Online: true, Activity: ActivityGame, PeerPrivileged: true},
			want: Status{Kind: KindOnline},
		},
		{
			name: "privileged peer hides chatting elsewhere",
			snap: Snapshot{Online: true, Typing: true, HereConversationID: "conv2", PeerPrivileged: true},
			want: Status{Kind: KindOnline},
		},
		{
			name: "typing elsewhere",
			snap: Snapshot{Online: true, Typing: true, HereConversationID: "conv2"},
			want: Status{Kind: KindChattingElsewhere},
		},
		{
			name: "here while offline flag lags",
			snap: Snapshot{HereConversationID: conv},
			want: Status{Kind: KindInChat},
		},
		{
			name: "none is never here",
			snap: Snapshot{Online: true, HereConversationID: NoConversation},
			want: Status{Kind: KindOnline},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Reduce(tt.snap, conv); got != tt.want {
				t.Errorf("Reduce() = %v, want %v", got, tt.want)
			}
		})
	}

	if got := Reduce(Snapshot{HereConversationID: NoConversation}, NoConversation); got.Kind != KindLastSeen {
		t.Errorf("conversation id %q must not match the none sentinel, got %v", NoConversation, got)
	}
}

func TestHereTypingScenario(t *testing.T) {
	s1 := Snapshot{Online: true, HereConversationID: conv, LastSeenAt: 1000}
	if got := Reduce(s1, conv); got.Kind != KindInChat {
		t.Fatalf("step 1 = %v, want in_chat", got)
	}

	s2 := s1
	s2.Typing = true
	if got := Reduce(s2, conv); got.Kind != KindTyping {
		t.Fatalf("step 2 = %v, want typing", got)
	}

	s3 := Snapshot{Online: true, HereConversationID: "conv2", LastSeenAt: 2000}
	if got := Reduce(s3, conv); got.Kind != KindOnline {
		t.Fatalf("step 3 = %v, want online", got)
	}
	tr := Diff(s2, s3, conv)
	if !tr.LeftHere || tr.EnteredHere {
		t.Errorf("Diff = %+v, want LeftHere only", tr)
	}
	if !tr.LastSeenAdvanced {
		t.Error("Diff should report last seen advance")
	}
}

func TestDiff(t *testing.T) {
	away := Snapshot{HereConversationID: NoConversation, LastSeenAt: 10}
	here := Snapshot{HereConversationID: conv, LastSeenAt: 10}

	if tr := Diff(away, here, conv); !tr.EnteredHere || tr.LeftHere || tr.LastSeenAdvanced {
		t.Errorf("enter: %+v", tr)
	}
	if tr := Diff(here, here, conv); tr != (Transition{}) {
		t.Errorf("no change: %+v", tr)
	}
	if tr := Diff(here, here, "other"); tr != (Transition{}) {
		t.Errorf("other conversation: %+v", tr)
	}
	older := here
	older.LastSeenAt = 5
	if tr := Diff(here, older, conv); tr.LastSeenAdvanced {
		t.Error("last seen moving backwards is not an advance")
	}
}

func TestAppearanceCoversEveryKind(t *testing.T) {
	kinds := []Kind{KindCall, KindVideo, KindLive, KindGame, KindTyping, KindInChat, KindChattingElsewhere, KindOnline, KindLastSeen}
	for _, k := range kinds {
		a := AppearanceOf(k)
		if a.Color == "" || a.Icon == "" {
			t.Errorf("AppearanceOf(%s) = %+v, want color and icon", k, a)
		}
	}
	if AppearanceOf("bogus") != AppearanceOf(KindLastSeen) {
		t.Error("unknown kind should fall back to last_seen appearance")
	}
}

func TestStatusString(t *testing.T) {
	if got := (Status{Kind: KindLastSeen, LastSeenAt: 42}).String(); got != "last_seen(42)" {
		t.Errorf("String() = %q", got)
	}
	if got := (Status{Kind: KindTyping}).String(); got != "typing" {
		t.Errorf("String() = %q", got)
	}
}
