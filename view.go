package duochat

// BuildView renders ms for participant: messages hidden for them are
// dropped, deleted messages lose their text and their quote, and reply
// targets are resolved into quotes.
func BuildView(ms Messages, participant string) []VisibleMessage {
	sorted := ms.Sorted()
	view := make([]VisibleMessage, 0, len(sorted))
	for _, m := range sorted {
		if m.HiddenFor(participant) {
			continue
		}
		v := VisibleMessage{Message: m.clone(), Mine: m.Sender == participant}
		if m.Deleted {
			v.Text = ""
		} else if m.ReplyTo != nil && *m.ReplyTo != "" {
			v.Quote = resolveQuote(ms, *m.ReplyTo, participant)
		}
		view = append(view, v)
	}
	return view
}

func resolveQuote(ms Messages, id, participant string) *Quote {
	target, ok := ms[id]
	if !ok || target.HiddenFor(participant) {
		return &Quote{ID: id, Text: DeletedPlaceholder, Unavailable: true}
	}
	return &Quote{ID: id, Sender: target.Sender, Text: target.Body()}
}
