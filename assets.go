package main

import (
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
)

// sampleConfig is the default configuration. It's always loaded first and
// is what --new-config writes out.
const sampleConfig = `[app]
address = "0.0.0.0:5000"

# Public URL peers reach the server on. The websocket URL encoded in the
# pairing QR codes is derived from it. If empty, the listen address is used.
root_url = ""

# File store backend: memory | fs | redis
storage = "fs"

# trace | debug | info | warn | error
log_level = "info"

# Maximum number of sessions that can be started per minute. 0 = no limit.
session_rate_limit = 60


[session]
# Lifetime of a session when the request doesn't ask for one.
ttl = "10m"

# Upper bound on requested lifetimes.
max_ttl = "24h"

# How often expired sessions are swept.
sweep_interval = "10s"

# Who hears about an upload: "session" (peers of the uploader's session)
# or "global" (every connected peer).
broadcast_uploads = "session"


[ws]
# Write timeout for websocket frames.
timeout = "10s"

# Largest inbound websocket message. Uploads travel base64 encoded in a
# single message, so this caps the upload size at roughly 3/4 of it.
max_message_size = "10MiB"

# Outbound messages buffered per peer. Peers that fall further behind are
# disconnected.
max_message_queue = 100

# Rate limit inbound messages per peer.
rate_limit_interval = "1s"
rate_limit_messages = 20


[store.fs]
# Directory uploaded files are written to.
path = "uploads"

[store.redis]
address = "127.0.0.1:6379"
password = ""
db = 0
active_conns = 50
idle_conns = 20
timeout = "3s"
key_files = "qrshare:files"


[tls]
# Serve HTTPS in addition to HTTP. Plain HTTP requests are then redirected.
enabled = false
address = ":443"

# auto: self-signed certificate for the domains below (or localhost).
# files: certificate and private_key on disk.
# letsencrypt: certificates from Let's Encrypt for the domains below,
# cached in cache_dir.
kind = "auto"
certificate = ""
private_key = ""
domains = []
email = ""
cache_dir = "certs"


[qr]
# Size of the pairing QR code PNG in pixels.
size = 256
`

func newConfigFile() error {
	if _, err := os.Stat("config.toml"); !os.IsNotExist(err) {
		return errors.New("config.toml exists. Remove it to generate a new one")
	}
	return ioutil.WriteFile("config.toml", []byte(sampleConfig), 0644)
}
