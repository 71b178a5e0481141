package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActionTypeIsReadOnly(t *testing.T) {
	assert.True(t, ActionScreenshot.IsReadOnly())
	assert.True(t, ActionWait.IsReadOnly())
	assert.True(t, ActionScroll.IsReadOnly())

	assert.False(t, ActionNavigate.IsReadOnly())
	assert.False(t, ActionClick.IsReadOnly())
	assert.False(t, ActionTypeText.IsReadOnly())
	assert.False(t, ActionEvaluate.IsReadOnly())
}

func TestBoundingBoxGeometry(t *testing.T) {
	b := BoundingBox{X: 10, Y: 20, Width: 100, Height: 50}

	assert.Equal(t, Point{X: 60, Y: 45}, b.Center())
	assert.Equal(t, float64(5000), b.Area())

	assert.True(t, b.Contains(Point{X: 10, Y: 20}))
	assert.True(t, b.Contains(Point{X: 60, Y: 45}))
	assert.False(t, b.Contains(Point{X: 9, Y: 45}))
	assert.False(t, b.Contains(Point{X: 60, Y: 71}))
}

func TestTargetDescriptorFingerprint(t *testing.T) {
	a := TargetDescriptor{Text: "Sign in", Role: "button"}
	b := TargetDescriptor{Text: "Sign in", Role: "button"}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	// Field boundaries matter: text "ab"+role "" must not collide with
	// text "a"+role "b".
	c := TargetDescriptor{Text: "ab"}
	d := TargetDescriptor{Text: "a", Role: "b"}
	assert.NotEqual(t, c.Fingerprint(), d.Fingerprint())

	withCoords := TargetDescriptor{Coordinates: &Point{X: 1, Y: 2}}
	assert.NotEqual(t, (TargetDescriptor{}).Fingerprint(), withCoords.Fingerprint())
}

func TestTargetDescriptorString(t *testing.T) {
	assert.Equal(t, "selector=#login", TargetDescriptor{Selector: "#login", Text: "x"}.String())
	assert.Equal(t, "ref=e7", TargetDescriptor{Ref: "e7"}.String())
	assert.Equal(t, `text="OK" role=button`, TargetDescriptor{Text: "OK", Role: "button"}.String())
	assert.Equal(t, `text="OK"`, TargetDescriptor{Text: "OK"}.String())
	assert.Equal(t, "coords=(12,34)", TargetDescriptor{Coordinates: &Point{X: 12.4, Y: 33.6}}.String())
	assert.Equal(t, "<empty>", TargetDescriptor{}.String())
}

func TestTargetDescriptorIsZero(t *testing.T) {
	assert.True(t, TargetDescriptor{}.IsZero())
	assert.False(t, TargetDescriptor{Role: "button"}.IsZero())
	assert.False(t, TargetDescriptor{Coordinates: &Point{}}.IsZero())
}
