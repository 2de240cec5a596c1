package runtime

import "fmt"

// ThreadState is what a thread is doing, as published in the low half of
// its state word. Only StateRunnable threads hold a share of the mutator
// lock.
type ThreadState uint16

const (
	StateTerminated ThreadState = iota
	StateRunnable
	StateTimedWaiting
	StateSleeping
	StateBlocked
	StateWaiting
	StateWaitingForGcToComplete
	StateWaitingPerformingGc
	StateWaitingForCheckPointsToRun
	StateWaitingForDebuggerSend
	StateWaitingForDebuggerSuspension
	StateWaitingForDeoptimization
	StateWaitingForVisitObjects
	StateWaitingForGcThreadFlip
	StateStarting
	StateNative
	StateSuspended
)

var threadStateNames = [...]string{
	StateTerminated:                   "Terminated",
	StateRunnable:                     "Runnable",
	StateTimedWaiting:                 "TimedWaiting",
	StateSleeping:                     "Sleeping",
	StateBlocked:                      "Blocked",
	StateWaiting:                      "Waiting",
	StateWaitingForGcToComplete:       "WaitingForGcToComplete",
	StateWaitingPerformingGc:          "WaitingPerformingGc",
	StateWaitingForCheckPointsToRun:   "WaitingForCheckPointsToRun",
	StateWaitingForDebuggerSend:       "WaitingForDebuggerSend",
	StateWaitingForDebuggerSuspension: "WaitingForDebuggerSuspension",
	StateWaitingForDeoptimization:     "WaitingForDeoptimization",
	StateWaitingForVisitObjects:       "WaitingForVisitObjects",
	StateWaitingForGcThreadFlip:       "WaitingForGcThreadFlip",
	StateStarting:                     "Starting",
	StateNative:                       "Native",
	StateSuspended:                    "Suspended",
}

func (s ThreadState) String() string {
	if int(s) < len(threadStateNames) {
		return threadStateNames[s]
	}
	return fmt.Sprintf("ThreadState(%d)", int(s))
}

// ThreadFlag is a request bit in the high half of the state word.
type ThreadFlag uint16

const (
	// FlagSuspendRequest asks the thread to suspend at its next safepoint.
	FlagSuspendRequest ThreadFlag = 1 << iota
	// FlagCheckpointRequest asks the thread to run its pending checkpoints.
	FlagCheckpointRequest
	// FlagActiveSuspendBarrier asks the thread to pass its suspend barrier
	// once it has left the runnable state.
	FlagActiveSuspendBarrier
)

// stateAndFlags packs a ThreadState and ThreadFlags into one word so that
// both can be read and changed with a single atomic operation.
type stateAndFlags uint32

func makeStateAndFlags(s ThreadState, f ThreadFlag) stateAndFlags {
	return stateAndFlags(uint32(f)<<16 | uint32(s))
}

func (w stateAndFlags) state() ThreadState { return ThreadState(w & 0xffff) }
func (w stateAndFlags) flags() ThreadFlag  { return ThreadFlag(w >> 16) }

func (w stateAndFlags) has(f ThreadFlag) bool { return w.flags()&f != 0 }

func (w stateAndFlags) withState(s ThreadState) stateAndFlags {
	return makeStateAndFlags(s, w.flags())
}

func (w stateAndFlags) withFlags(f ThreadFlag) stateAndFlags {
	return makeStateAndFlags(w.state(), w.flags()|f)
}

func (w stateAndFlags) withoutFlags(f ThreadFlag) stateAndFlags {
	return makeStateAndFlags(w.state(), w.flags()&^f)
}
