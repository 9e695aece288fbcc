package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
)

// Theme holds the colors used by the conversation screen.
type Theme struct {
	BgColor        tcell.Color
	FgColor        tcell.Color
	BorderColor    tcell.Color
	TitleColor     tcell.Color
	SelfColor      tcell.Color
	PeerColor      tcell.Color
	PendingColor   tcell.Color
	SeenColor      tcell.Color
	FlaggedColor   tcell.Color
	KeyHintColor   tcell.Color
	FlashInfoColor tcell.Color
	FlashWarnColor tcell.Color
	FlashErrColor  tcell.Color
}

// DefaultTheme returns a dark theme.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:        tcell.ColorBlack,
		FgColor:        tcell.ColorCadetBlue,
		BorderColor:    tcell.ColorDodgerBlue,
		TitleColor:     tcell.ColorFuchsia,
		SelfColor:      tcell.ColorAqua,
		PeerColor:      tcell.ColorPapayaWhip,
		PendingColor:   tcell.ColorGray,
		SeenColor:      tcell.ColorDodgerBlue,
		FlaggedColor:   tcell.ColorOrangeRed,
		KeyHintColor:   tcell.ColorDodgerBlue,
		FlashInfoColor: tcell.ColorNavajoWhite,
		FlashWarnColor: tcell.ColorOrange,
		FlashErrColor:  tcell.ColorOrangeRed,
	}
}

// Tag returns the tview color tag for c, e.g. "#1e90ff".
func Tag(c tcell.Color) string {
	return fmt.Sprintf("#%06x", c.Hex())
}
