package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/immxrtalbeast/teamsync/internal/app"
	"github.com/immxrtalbeast/teamsync/internal/callsignal"
	"github.com/spf13/cobra"
)

func buildCallCmd(flags *globalFlags) *cobra.Command {
	var share bool

	cmd := &cobra.Command{
		Use:   "call <user-id>",
		Short: "Call a user and stay in the call until it ends or you interrupt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			session, err := openSession(ctx, flags)
			if err != nil {
				return err
			}
			defer session.Close()
			defer session.CallErrors()()

			out := cmd.OutOrStdout()
			ended := followCall(out, session)
			if share {
				session.Calls.OnPhase(func(tr callsignal.Transition) {
					if tr.To != callsignal.PhaseActive {
						return
					}
					go func() {
						if _, err := session.Calls.ToggleScreenShare(ctx); err != nil {
							fmt.Fprintf(out, "screen share failed: %v\n", err)
						}
					}()
				})
			}

			if err := dial(ctx, out, session.Calls, args[0]); err != nil {
				return err
			}
			return waitCall(ctx, session, ended)
		},
	}
	cmd.Flags().BoolVar(&share, "share", false, "Share the screen once the call is active")
	return cmd
}

func buildAnswerCmd(flags *globalFlags) *cobra.Command {
	var reject bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "answer",
		Short: "Wait for an incoming call and accept or reject it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			session, err := openSession(ctx, flags)
			if err != nil {
				return err
			}
			defer session.Close()
			defer session.CallErrors()()

			ringing := make(chan callsignal.Call, 1)
			unsubscribe := session.Calls.OnPhase(func(tr callsignal.Transition) {
				if tr.To == callsignal.PhaseRinging {
					select {
					case ringing <- tr.Call:
					default:
					}
				}
			})

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "waiting for a call...")
			var call callsignal.Call
			select {
			case call = <-ringing:
			case <-time.After(timeout):
				unsubscribe()
				return errors.New("no incoming call")
			case <-ctx.Done():
				unsubscribe()
				return nil
			}
			unsubscribe()
			fmt.Fprintf(out, "incoming call from %s\n", call.CallerID)

			if reject {
				return session.Calls.Reject()
			}
			ended := followCall(out, session)
			if err := session.Calls.Accept(ctx); err != nil {
				return err
			}
			return waitCall(ctx, session, ended)
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "Reject the call instead of accepting it")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for a call")
	return cmd
}

type caller interface {
	InitiateCall(ctx context.Context, calleeID string) error
	Current() (callsignal.Call, bool)
	Accept(ctx context.Context) error
}

// dial calls userID. When userID dials us at the same moment and our own
// attempt yields, the incoming call from them is answered instead.
func dial(ctx context.Context, out io.Writer, calls caller, userID string) error {
	err := calls.InitiateCall(ctx, userID)
	if !errors.Is(err, callsignal.ErrCallSuperseded) {
		return err
	}
	call, ok := calls.Current()
	if !ok || call.Phase != callsignal.PhaseRinging || call.CallerID != userID {
		return err
	}
	fmt.Fprintf(out, "%s is calling at the same time, answering\n", userID)
	return calls.Accept(ctx)
}

// followCall prints transitions and sends the end reason on the returned
// channel once the call is back to idle.
func followCall(out io.Writer, session *app.Session) <-chan error {
	ended := make(chan error, 1)
	session.Calls.OnPhase(func(tr callsignal.Transition) {
		if tr.Reason != nil {
			fmt.Fprintf(out, "%s -> %s (%v)\n", tr.From, tr.To, tr.Reason)
		} else {
			fmt.Fprintf(out, "%s -> %s\n", tr.From, tr.To)
		}
		if tr.To == callsignal.PhaseIdle {
			select {
			case ended <- tr.Reason:
			default:
			}
		}
	})
	return ended
}

// waitCall blocks until the call ends. An interrupt hangs up first.
func waitCall(ctx context.Context, session *app.Session, ended <-chan error) error {
	select {
	case reason := <-ended:
		if reason == nil || errors.Is(reason, callsignal.ErrRemoteEnded) {
			return nil
		}
		return reason
	case <-ctx.Done():
		if err := session.Calls.EndCall(); err != nil && !errors.Is(err, callsignal.ErrNoCall) {
			return err
		}
		return nil
	}
}
