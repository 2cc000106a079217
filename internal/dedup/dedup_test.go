package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestSum(t *testing.T) {
	is := is.New(t)

	a := Sum("user:1", "string", []byte("alice"))
	b := Sum("user:1", "string", []byte("alice"))
	is.Equal(a, b)

	// any component changing changes the digest
	is.True(a != Sum("user:2", "string", []byte("alice")))
	is.True(a != Sum("user:1", "hash", []byte("alice")))
	is.True(a != Sum("user:1", "string", []byte("bob")))

	// key/kind boundaries do not alias
	is.True(Sum("ab", "c", nil) != Sum("a", "bc", nil))
}

func TestSeenWithinWindow(t *testing.T) {
	is := is.New(t)

	c := NewCache(16, time.Second)
	fp := Sum("k", "string", []byte("v"))

	is.True(!c.Seen(fp)) // first write goes through
	is.True(c.Seen(fp))  // duplicate inside the window is dropped
}

func TestSeenAfterWindow(t *testing.T) {
	is := is.New(t)

	c := NewCache(16, 30*time.Millisecond)
	fp := Sum("k", "string", []byte("v"))

	is.True(!c.Seen(fp))
	time.Sleep(60 * time.Millisecond)
	is.True(!c.Seen(fp)) // window elapsed: a real subsequent write
}

func TestCapacityBound(t *testing.T) {
	is := is.New(t)

	c := NewCache(8, time.Minute)
	for i := 0; i < 100; i++ {
		c.Seen(Sum(fmt.Sprintf("k%d", i), "string", nil))
	}
	is.True(c.Len() <= 8)
}
