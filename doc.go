// Package ftps implements an FTP client (RFC 959) with explicit TLS
// (RFC 4217, AUTH TLS).
//
// # Overview
//
// A Client owns one control connection and opens one data connection per
// transfer. It supports:
//   - Plain FTP connections
//   - Explicit TLS with protected data channels (PBSZ 0, PROT P)
//   - TLS session resumption on data connections
//   - Passive (PASV) and active (PORT) data connections
//   - Resumable uploads and downloads (REST) with progress reporting
//   - Cancellation of every blocking call through context.Context
//
// # Basic Usage
//
//	ctx := context.Background()
//	client, err := ftps.Dial(ctx, "ftp.example.com:21")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Disconnect()
//
//	if err := client.Login(ctx, "username", "password"); err != nil {
//	    log.Fatal(err)
//	}
//
// # TLS Support
//
// The client connects on port 21 and upgrades to TLS with AUTH TLS, either
// during Dial:
//
//	client, err := ftps.Dial(ctx, "ftp.example.com:21",
//	    ftps.WithExplicitTLS(ftps.DefaultTLSConfig()),
//	)
//
// or later on a connected client:
//
//	err := client.UpgradeToTLS(ctx, ftps.TLSConfig{
//	    CAFile: "/etc/ssl/ftp-ca.pem",
//	})
//
// A failed upgrade leaves the session broken; call Disconnect.
//
// Many FTP servers (vsftpd, ProFTPD) require the data connections to resume
// the TLS session of the control connection. Data connections share the
// control connection's session cache, so no configuration is required.
//
// # File Transfers
//
//	err := client.Upload(ctx, "local.txt", "remote.txt", false, nil)
//
//	err = client.Download(ctx, "remote.txt", "local.txt", true,
//	    func(done, total int64) {
//	        fmt.Printf("\r%d/%d bytes", done, total)
//	    })
//
// With resume set, a transfer continues from the size of the partial file
// on the receiving side.
//
// # Error Handling
//
// Errors carry a Kind that errors.Is matches:
//
//	if err := client.Login(ctx, user, pass); errors.Is(err, ftps.KindAuth) {
//	    // wrong credentials
//	}
//
// Unexpected replies are reported as *ReplyError with the command, code and
// server text; failed transfers as *TransferError with the offset reached:
//
//	var te *ftps.TransferError
//	if errors.As(err, &te) {
//	    fmt.Printf("stopped at byte %d\n", te.Transferred)
//	}
package ftps
