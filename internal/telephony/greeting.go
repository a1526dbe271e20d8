package telephony

import "math/rand"

// greetings is the fixed pool a new call's opening line is drawn from
// (spec.md §4.7, supplemented per SPEC_FULL.md §4.12 — no library need,
// a plain slice plus math/rand is the idiomatic fit here).
var greetings = []string{
	"Hi, it's Briar. How are you feeling today?",
	"Hello there, Briar here. What's on your mind?",
	"Hi, this is Briar calling to check in. How's your day going?",
	"Hello! It's Briar. Good to hear from you — how are you doing?",
}

func randomGreeting() string {
	return greetings[rand.Intn(len(greetings))]
}
