package presence

// Appearance is how a status is drawn: an accent color and an icon class.
type Appearance struct {
	Color string
	Icon  string
}

var appearances = map[Kind]Appearance{
	KindCall:              {Color: "#FF9500", Icon: "status-call"},
	KindVideo:             {Color: "#FF9500", Icon: "status-video"},
	KindLive:              {Color: "#FF2D55", Icon: "status-live"},
	KindGame:              {Color: "#AF52DE", Icon: "status-game"},
	KindTyping:            {Color: "#34C759", Icon: "status-typing"},
	KindInChat:            {Color: "#34C759", Icon: "status-here"},
	KindChattingElsewhere: {Color: "#FFCC00", Icon: "status-elsewhere"},
	KindOnline:            {Color: "#34C759", Icon: "status-online"},
	KindLastSeen:          {Color: "#8E8E93", Icon: "status-offline"},
}

// AppearanceOf returns the display appearance for k.
// Unknown kinds render like last_seen.
func AppearanceOf(k Kind) Appearance {
	if a, ok := appearances[k]; ok {
		return a
	}
	return appearances[KindLastSeen]
}
