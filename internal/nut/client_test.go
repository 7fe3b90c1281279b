package nut

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeServer is an in-process upsd that scripts replies per command.
type fakeServer struct {
	t        *testing.T
	ln       net.Listener
	handle   func(w io.Writer, cmd string) bool
	mu       sync.Mutex
	commands []string
}

func newFakeServer(t *testing.T, handle func(w io.Writer, cmd string) bool) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeServer{t: t, ln: ln, handle: handle}
	t.Cleanup(func() { _ = ln.Close() })
	go fs.serve()
	return fs
}

func (fs *fakeServer) serve() {
	for {
		conn, err := fs.ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			r := bufio.NewReader(conn)
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return
				}
				cmd := strings.TrimRight(line, "\r\n")
				fs.mu.Lock()
				fs.commands = append(fs.commands, cmd)
				fs.mu.Unlock()
				if !fs.handle(conn, cmd) {
					return
				}
			}
		}()
	}
}

func (fs *fakeServer) target() Target {
	addr := fs.ln.Addr().(*net.TCPAddr)
	return Target{Host: "127.0.0.1", Port: addr.Port}
}

func (fs *fakeServer) received() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.commands...)
}

// scripted answers fixed replies and "OK" to anything unknown.
func scripted(replies map[string]string) func(w io.Writer, cmd string) bool {
	return func(w io.Writer, cmd string) bool {
		if cmd == "LOGOUT" {
			_, _ = io.WriteString(w, "OK Goodbye\n")
			return false
		}
		reply, ok := replies[cmd]
		if !ok {
			reply = "OK\n"
		}
		_, _ = io.WriteString(w, reply)
		return true
	}
}

func dialFake(t *testing.T, fs *fakeServer, target Target) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, target, Options{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// ----------------------------------------------------------------------------
// Dial / authentication
// ----------------------------------------------------------------------------

func Test_Dial_SendsCredentialsInOrder(t *testing.T) {
	fs := newFakeServer(t, scripted(nil))
	target := fs.target()
	target.Username = "monuser"
	target.Password = "secret"

	dialFake(t, fs, target)

	got := fs.received()
	want := []string{"USERNAME monuser", "PASSWORD secret"}
	if len(got) < len(want) {
		t.Fatalf("received = %v, want prefix %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func Test_Dial_NoCredentialsSendsNothing(t *testing.T) {
	fs := newFakeServer(t, scripted(nil))
	dialFake(t, fs, fs.target())

	if got := fs.received(); len(got) != 0 {
		t.Errorf("received = %v, want no commands", got)
	}
}

func Test_Dial_AuthRejected(t *testing.T) {
	tests := []struct {
		name    string
		replies map[string]string
	}{
		{
			name:    "username rejected",
			replies: map[string]string{"USERNAME monuser": "ERR INVALID-USERNAME\n"},
		},
		{
			name:    "password rejected",
			replies: map[string]string{"PASSWORD wrong": "ERR ACCESS-DENIED\n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeServer(t, scripted(tt.replies))
			target := fs.target()
			target.Username = "monuser"
			target.Password = "wrong"

			_, err := Dial(context.Background(), target, Options{})
			if !errors.Is(err, ErrAuthFailed) {
				t.Fatalf("Dial() error = %v, want ErrAuthFailed", err)
			}
		})
	}
}

func Test_Dial_AcceptsOKWithTrailingText(t *testing.T) {
	fs := newFakeServer(t, scripted(map[string]string{"USERNAME monuser": "OK username accepted\n"}))
	target := fs.target()
	target.Username = "monuser"

	dialFake(t, fs, target)
}

func Test_Dial_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	_, err = Dial(context.Background(), Target{Host: "127.0.0.1", Port: port}, Options{DialTimeout: time.Second})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Dial() error = %v, want ErrConnectionFailed", err)
	}
}

// ----------------------------------------------------------------------------
// Send framing
// ----------------------------------------------------------------------------

func Test_Send_LongListConsumedThroughEndList(t *testing.T) {
	var b strings.Builder
	b.WriteString("BEGIN LIST VAR ups\n")
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&b, "VAR ups custom.var%d \"%d\"\n", i, i)
	}
	b.WriteString("END LIST VAR ups\n")
	list := b.String()

	fs := newFakeServer(t, scripted(map[string]string{
		"LIST VAR ups":           list,
		"GET VAR ups ups.status": "VAR ups ups.status \"OL\"\n",
	}))
	c := dialFake(t, fs, fs.target())

	resp, err := c.Send(context.Background(), "LIST VAR ups")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if resp != list {
		t.Errorf("Send() returned %d bytes, want %d", len(resp), len(list))
	}

	next, err := c.Send(context.Background(), "GET VAR ups ups.status")
	if err != nil {
		t.Fatalf("second Send() error = %v", err)
	}
	if next != "VAR ups ups.status \"OL\"\n" {
		t.Errorf("second Send() = %q, leftover list data leaked into next response", next)
	}
}

func Test_Send_SilenceIsNotEndOfResponse(t *testing.T) {
	fs := newFakeServer(t, func(w io.Writer, cmd string) bool {
		_, _ = io.WriteString(w, "BEGIN LIST VAR ups\nVAR ups ups.status \"OL\"\n")
		time.Sleep(150 * time.Millisecond)
		_, _ = io.WriteString(w, "VAR ups ups.load \"12\"\nEND LIST VAR ups\n")
		return true
	})
	c := dialFake(t, fs, fs.target())

	tel, err := c.FetchTelemetry(context.Background(), "ups")
	if err != nil {
		t.Fatalf("FetchTelemetry() error = %v", err)
	}
	if tel.Load == nil || *tel.Load != 12 {
		t.Errorf("Load = %v, want 12 from the delayed part of the list", tel.Load)
	}
}

func Test_Send_TruncatedList(t *testing.T) {
	fs := newFakeServer(t, func(w io.Writer, cmd string) bool {
		_, _ = io.WriteString(w, "BEGIN LIST VAR ups\nVAR ups ups.status \"OL\"\n")
		return false
	})
	c := dialFake(t, fs, fs.target())

	_, err := c.Send(context.Background(), "LIST VAR ups")
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("Send() error = %v, want ErrTruncated", err)
	}
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Errorf("Send() error = %T, want *IOError", err)
	}
}

func Test_Send_DeadlineExpires(t *testing.T) {
	fs := newFakeServer(t, func(w io.Writer, cmd string) bool {
		return true // never answer
	})
	c := dialFake(t, fs, fs.target())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Send(ctx, "LIST VAR ups")
	if !IsTimeout(err) {
		t.Fatalf("Send() error = %v, want timeout", err)
	}

	// The stream is desynchronised, so the client must refuse reuse.
	_, err = c.Send(context.Background(), "LIST UPS")
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Errorf("Send() after timeout error = %v, want *IOError", err)
	}
}

func Test_Send_ReadGuard(t *testing.T) {
	fs := newFakeServer(t, func(w io.Writer, cmd string) bool { return true })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, fs.target(), Options{ReadGuard: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	start := time.Now()
	_, err = c.Send(context.Background(), "LIST UPS")
	if !IsTimeout(err) {
		t.Fatalf("Send() error = %v, want timeout from read guard", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Send() took %v, read guard not applied", elapsed)
	}
}

func Test_Send_AfterClose(t *testing.T) {
	fs := newFakeServer(t, scripted(nil))
	c := dialFake(t, fs, fs.target())
	_ = c.Close()

	_, err := c.Send(context.Background(), "LIST UPS")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Send() after Close error = %v, want ErrConnectionFailed", err)
	}
}

// ----------------------------------------------------------------------------
// commands
// ----------------------------------------------------------------------------

func Test_Client_ListDevicesAndCommands(t *testing.T) {
	fs := newFakeServer(t, scripted(map[string]string{
		"LIST UPS":     "BEGIN LIST UPS\nUPS ups \"CyberPower\"\nEND LIST UPS\n",
		"LIST CMD ups": "BEGIN LIST CMD ups\nCMD ups beeper.mute\nEND LIST CMD ups\n",
	}))
	c := dialFake(t, fs, fs.target())

	devices, err := c.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(devices) != 1 || devices[0].Name != "ups" || devices[0].Description != "CyberPower" {
		t.Errorf("ListDevices() = %+v", devices)
	}

	cmds, err := c.ListCommands(context.Background(), "ups")
	if err != nil {
		t.Fatalf("ListCommands() error = %v", err)
	}
	if len(cmds) != 1 || cmds[0] != "beeper.mute" {
		t.Errorf("ListCommands() = %v", cmds)
	}
}

func Test_Client_FetchTelemetry_ServerError(t *testing.T) {
	fs := newFakeServer(t, scripted(map[string]string{"LIST VAR nope": "ERR UNKNOWN-UPS\n"}))
	c := dialFake(t, fs, fs.target())

	_, err := c.FetchTelemetry(context.Background(), "nope")
	var srvErr *ServerError
	if !errors.As(err, &srvErr) {
		t.Fatalf("FetchTelemetry() error = %v, want *ServerError", err)
	}
	if srvErr.Code != "UNKNOWN-UPS" {
		t.Errorf("Code = %q, want UNKNOWN-UPS", srvErr.Code)
	}
}

func Test_Client_RunCommand(t *testing.T) {
	fs := newFakeServer(t, scripted(map[string]string{
		"INSTCMD ups beeper.mute": "OK\n",
		"INSTCMD ups load.off":    "ERR CMD-NOT-SUPPORTED\n",
		"INSTCMD ups test.panel":  "OK TRACKING 1234\n",
		"LIST UPS":                "BEGIN LIST UPS\nEND LIST UPS\n",
	}))
	c := dialFake(t, fs, fs.target())

	if err := c.RunCommand(context.Background(), "ups", "beeper.mute"); err != nil {
		t.Errorf("RunCommand(beeper.mute) error = %v", err)
	}

	for _, cmd := range []string{"load.off", "test.panel"} {
		err := c.RunCommand(context.Background(), "ups", cmd)
		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) {
			t.Errorf("RunCommand(%s) error = %v, want *CommandError", cmd, err)
			continue
		}
		if cmdErr.Command != cmd {
			t.Errorf("CommandError.Command = %q, want %q", cmdErr.Command, cmd)
		}
	}

	// A rejected command leaves the session usable.
	if _, err := c.ListDevices(context.Background()); err != nil {
		t.Errorf("ListDevices() after rejected command error = %v", err)
	}
}

func Test_Client_CloseSendsLogoutAndIsIdempotent(t *testing.T) {
	fs := newFakeServer(t, scripted(nil))
	ctx := context.Background()
	c, err := Dial(ctx, fs.target(), Options{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, cmd := range fs.received() {
			if cmd == "LOGOUT" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("received = %v, want LOGOUT", fs.received())
}

func Test_Target_Address(t *testing.T) {
	tests := []struct {
		target Target
		want   string
	}{
		{Target{Host: "10.0.0.5"}, "10.0.0.5:" + strconv.Itoa(DefaultPort)},
		{Target{Host: "nut.local", Port: 3500}, "nut.local:3500"},
		{Target{Host: "::1", Port: 3493}, "[::1]:3493"},
	}
	for _, tt := range tests {
		if got := tt.target.Address(); got != tt.want {
			t.Errorf("Address() = %q, want %q", got, tt.want)
		}
	}
}
