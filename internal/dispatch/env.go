package dispatch

// Workers are re-execs of the master binary. The master passes identity and
// the normalized configuration through the environment, and the shared
// socket plus the heartbeat pipe as inherited file descriptors.
const (
	EnvWorkerID = "PREFORK_WORKER_ID"
	EnvConfig   = "PREFORK_CONFIG"

	// ExtraFiles ordering: fd 3 is the listening socket, fd 4 the write end
	// of the heartbeat pipe.
	ListenerFD  = 3
	HeartbeatFD = 4
)
