package eventstream

import "testing"

func TestSubject(t *testing.T) {
	if got := Subject(" BID_PLACED "); got != "settlement.events.bid_placed" {
		t.Fatalf("unexpected subject %q", got)
	}
}
