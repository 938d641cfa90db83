package sanitize_test

import (
	"math/rand"
	"testing"

	"github.com/baechuer/pgbus/internal/pkg/sanitize"
	"github.com/stretchr/testify/assert"
)

func isAllowed(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '_' || c == '-' || c == ':' || c == '.'
}

func TestIdentifier(t *testing.T) {
	cases := map[string]string{
		"":               "",
		"demo":           "demo",
		"dev-one":        "dev-one",
		"a b c":          "a_b_c",
		"user.created":   "user.created",
		"ns:scope":       "ns:scope",
		"p@y/lo\\ad":     "p_y_lo_ad",
		"über":           "__ber", // two bytes of the UTF-8 rune
		"drop table;--x": "drop_table_--x",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitize.Identifier(in), "input %q", in)
	}
}

func TestIdentifierClosure(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		raw := make([]byte, rng.Intn(64))
		for j := range raw {
			raw[j] = byte(rng.Intn(256))
		}
		s := string(raw)

		once := sanitize.Identifier(s)
		for k := 0; k < len(once); k++ {
			assert.True(t, isAllowed(once[k]), "byte %q in %q", once[k], once)
		}
		assert.Equal(t, once, sanitize.Identifier(once), "not idempotent for %q", s)
		assert.Len(t, once, len(s))
	}
}

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "core_events_demo", sanitize.QueueName("demo"))
	assert.Equal(t, "core_events_demo_dlq", sanitize.DLQName("demo"))

	// Hyphens map to underscores, matching core.queue_name_for_namespace.
	assert.Equal(t, "core_events_dev_one", sanitize.QueueName("dev-one"))
	assert.Equal(t, "core_events_dev_one_dlq", sanitize.DLQName("dev-one"))

	// Everything else goes through Identifier first.
	assert.Equal(t, "core_events_my_ns_", sanitize.QueueName("my ns!"))
}
