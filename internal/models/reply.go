package models

// Button is one inline keyboard button. Exactly one of Data or URL is set.
type Button struct {
	Text string
	Data string
	URL  string
}

// Reply is a chat message rendered by the conversation engine.
type Reply struct {
	Text     string
	Keyboard [][]Button
	// EditMessageID replaces an earlier message instead of sending a new one.
	EditMessageID int
}
