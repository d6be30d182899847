package loadgen

// textPool holds the bodies TEXT messages are drawn from. The mix of
// short, medium, and near-limit entries exercises the serialization and
// transport layers across payload sizes.
var textPool = []string{
	"hi", "hello", "ok", "good", "thx", "bye", "yo", "hey", "kk", "okok",
	"done", "cool", "wow", "yay", "ping", "pong", "foo", "bar", "baz", "brb",
	"how are you doing today?",
	"nice day for distributed systems programming!",
	"websockets are great for real-time messaging",
	"persistent connections reduce latency a lot",
	"bounded queues keep producers and consumers balanced",
	"reconnection logic avoids dropped sessions",
	"worker pools are essential for concurrency",
	"retry with exponential backoff up to the budget",
	"reusing connections avoids handshake overhead",
	"keep-alive frames detect broken connections early",
	"one poller per room keeps ordering simple",
	"the dead letter queue catches poison messages",
	"happy testing and benchmarking!",
	"This is a longer test message meant to simulate more realistic chat content across " +
		"multiple sentences. We want to ensure the system can handle larger payloads without breaking.",
	"Another medium-long message that adds some variety into the pool so that not every " +
		"message looks identical in size. This helps measure performance under more diverse workloads.",
	"Field validation must ensure that userId, username, messageType, and timestamp are " +
		"always well formed on the wire. This message is long on purpose to probe boundary conditions.",
	"This is a deliberately very long chat message designed to test the pipeline's ability to " +
		"handle near-maximum payload sizes. By pushing the body toward the upper bound we make sure " +
		"both the serialization layer and the transport layer are exercised together. If this goes " +
		"through cleanly we know the front and the client can both handle stress at the message size " +
		"boundary without truncation or rejection.",
	"Real chat traffic is not uniform. Messages may include logs, URLs, stack traces, or long " +
		"paragraphs pasted from elsewhere. This entry exists to simulate such content and to confirm " +
		"the system behaves correctly when a burst of large bodies lands on the same room queue in " +
		"quick succession rather than being spread evenly across the run.",
}
