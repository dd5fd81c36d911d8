package subscription

import "testing"

func TestMatcherExactSegments(t *testing.T) {
	m := compile("nav.position.lat")

	if !m.match("nav.position.lat") {
		t.Fatal("expected exact match")
	}
	if m.match("nav.position.lon") {
		t.Fatal("did not expect match on different leaf segment")
	}
	if m.match("nav.position.lat.raw") {
		t.Fatal("pattern without trailing ** must not match extra segments")
	}
}

func TestMatcherSingleWildcard(t *testing.T) {
	m := compile("nav.*.lat")

	if !m.match("nav.position.lat") {
		t.Fatal("expected * to match exactly one segment")
	}
	if m.match("nav.position.detail.lat") {
		t.Fatal("* must not match multiple segments")
	}
}

func TestMatcherTrailingDoubleWildcard(t *testing.T) {
	m := compile("environment.**")

	if !m.match("environment.outside.temperature") {
		t.Fatal("expected ** to match multiple trailing segments")
	}
	if !m.match("environment") {
		t.Fatal("expected ** to match zero trailing segments")
	}
	if m.match("navigation.environment.outside") {
		t.Fatal("prefix segments must still match literally")
	}
}

func TestMatcherDoesNotUseSubstringShortcut(t *testing.T) {
	// A string-replace implementation that turns "*" into a pattern
	// matching any characters would wrongly match "a.b.x.c", letting the
	// wildcard span two segments. The segment-wise matcher must not.
	m := compile("a.*.c")

	if m.match("a.b.x.c") {
		t.Fatal("* must not span multiple segments")
	}
	if m.match("a.b.d") {
		t.Fatal("must not match when trailing segment differs")
	}
	if !m.match("a.b.c") {
		t.Fatal("expected match for single differing middle segment")
	}
}
