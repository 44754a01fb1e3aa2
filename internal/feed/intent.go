package feed

// Join asks the feed to stream one channel for an instrument, replaying
// anything after From (milliseconds, 0 for live only).
type Join struct {
	Channel    string
	Instrument string
	From       int64
}

// ConnectionIntent is everything a (re)connection must send after the socket
// opens. It is rebuilt from the live subscriber set on every attempt.
type ConnectionIntent struct {
	Instrument string
	Joins      []Join
}

// Empty reports whether there is nobody to connect for.
func (i ConnectionIntent) Empty() bool {
	return len(i.Joins) == 0
}

// Messages encodes every join of the intent.
func (i ConnectionIntent) Messages(c *Codec) ([][]byte, error) {
	msgs := make([][]byte, 0, len(i.Joins))
	for _, j := range i.Joins {
		b, err := c.EncodeJoin(j)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, b)
	}
	return msgs, nil
}

// IntentProvider supplies the current intent at connection time.
type IntentProvider interface {
	Intent() ConnectionIntent
}

// IntentFunc adapts a function to IntentProvider.
type IntentFunc func() ConnectionIntent

// Intent calls f.
func (f IntentFunc) Intent() ConnectionIntent {
	return f()
}
