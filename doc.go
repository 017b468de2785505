// Package ftp implements an FTP client engine: a single-session command
// dispatcher, reply parser, connection state machine, data-channel
// broker, and listing parsers, wrapped in a small façade of user-facing
// operations.
//
// # Overview
//
// The engine speaks RFC 959 with its common extensions: feature
// negotiation (RFC 2389), extended passive/active modes for IPv6
// (RFC 2428), and machine-readable listings plus modification-time and
// size commands (RFC 3659). It supports plaintext, explicit TLS (AUTH
// TLS/SSL with PBSZ/PROT), control-only TLS, and implicit TLS
// transport.
//
// # Basic usage
//
//	ctx := context.Background()
//	client, err := ftp.Connect(ctx, "ftp.example.com:21", ftp.WithUser("anonymous", "anonymous@"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Quit(ctx)
//
//	entries, err := client.List(ctx, "/pub")
//
// # TLS
//
// Explicit TLS upgrades the plaintext control connection in place via
// AUTH TLS/SSL once connected:
//
//	client, err := ftp.Connect(ctx, "ftp.example.com:21",
//	    ftp.WithSecure(ftp.SecureExplicit, &tls.Config{ServerName: "ftp.example.com"}),
//	)
//
// Implicit TLS wraps the socket before the greeting is read, typically
// on port 990:
//
//	client, err := ftp.Connect(ctx, "ftp.example.com:990",
//	    ftp.WithSecure(ftp.SecureImplicit, &tls.Config{ServerName: "ftp.example.com"}),
//	)
//
// Both modes share a ClientSessionCache between the control connection
// and every subsequent data connection, so servers that require session
// resumption on the data channel (vsftpd, ProFTPD) work without extra
// configuration.
//
// # Transfers
//
//	f, _ := os.Open("local.txt")
//	defer f.Close()
//	err := client.Store(ctx, "remote.txt", f)
//
//	var buf bytes.Buffer
//	err = client.Retrieve(ctx, "remote.txt", &buf)
//
// # Errors
//
// Failed commands return one of the typed errors in errors.go
// (*ProtocolError, *ConnectError, *TLSError, *DataChannelError,
// *AbortedError, *ParseError); use errors.As to inspect one.
package ftp
