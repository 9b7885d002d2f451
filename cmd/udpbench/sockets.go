package main

import (
	"errors"
	"net"
	"os"

	"github.com/kstaniek/udpbench/internal/config"
	"github.com/kstaniek/udpbench/internal/exitcode"
	"github.com/kstaniek/udpbench/internal/sockset"
)

// resolveAddrs builds the destination address list from either -i/-p or the
// socket-list file (-f), mapping file errors onto the exit codes spec
// section 6 reserves for them: 4 for a missing file, 8 for a malformed line.
func resolveAddrs(cfg *config.Config) ([]*net.UDPAddr, int, error) {
	if cfg.ListFile == "" {
		return []*net.UDPAddr{{IP: net.ParseIP(cfg.IP), Port: cfg.Port}}, exitcode.OK, nil
	}
	addrs, err := sockset.ParseListFile(cfg.ListFile)
	if err != nil {
		var malformed *sockset.ErrMalformedLine
		switch {
		case errors.As(err, &malformed):
			return nil, exitcode.MalformedFile, err
		case os.IsNotExist(err):
			return nil, exitcode.MissingFile, err
		default:
			return nil, exitcode.MalformedFile, err
		}
	}
	return addrs, exitcode.OK, nil
}

// buildOptions translates the CLI surface into sockset.Options.
func buildOptions(cfg *config.Config) sockset.Options {
	opts := sockset.Options{
		NonBlocking:     cfg.NonBlocked,
		RecvBufSize:     cfg.UDPBufferSize,
		SendBufSize:     cfg.UDPBufferSize,
		DisableLoopback: cfg.McLoopbackDisable,
		SendOnly:        cfg.Role == config.RoleClient && cfg.Stream,
	}
	if cfg.RxMcIf != "" {
		opts.RxInterface = net.ParseIP(cfg.RxMcIf)
	}
	if cfg.TxMcIf != "" {
		opts.TxInterface = net.ParseIP(cfg.TxMcIf)
	}
	return opts
}
