package telephony

import "testing"

func TestRandomGreeting_ReturnsOneOfTheFixedPool(t *testing.T) {
	for i := 0; i < 20; i++ {
		got := randomGreeting()
		found := false
		for _, g := range greetings {
			if g == got {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("randomGreeting returned %q, not found in the fixed pool", got)
		}
	}
}
