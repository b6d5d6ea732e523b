/*
Package config loads the BeeDrive server configuration from YAML.

Values are decoded over Default, so a file only names what it changes.
Durations use Go syntax ("1s", "2m").

	address: 0.0.0.0:8888
	workDir: /srv/beedrive
	maxWorkers: 8
	replayWindow: 2m
	users:
	  alice: s3cret

Load validates right away. Callers that layer flags on top of the file use
Read, apply their overrides and call Validate once at the end.
*/
package config
