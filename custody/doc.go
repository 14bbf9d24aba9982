/*
Package custody contains the state machine of a dead-man's switch custody
agreement, held in the Agreement type.

An owner creates an agreement with a deposit and a beneficiary. The owner
proves liveness by checking in; each check-in may attach more value. When
the owner has not checked in for the check-in window plus the agreement's
withdrawal period, the beneficiary may withdraw the whole balance. The owner
may terminate at any time, reclaiming the balance and freezing the
agreement forever.

	          CheckIn (owner)
	         +--------------+
	         v              |
	    +----------+--------+     Terminate (owner)     +------------+
	    |  Active  |--------------------------------->| Terminated |
	    +----------+                                   +------------+
	         |  ^
	         |  | Withdraw (beneficiary, after deadline)
	         +--+

Every operation is gated in the same order: the terminal check, then the
caller's role, then the operation's own guard. Callers supply identity and
current time explicitly through Call; value leaves the agreement only
through the Transferer given to Withdraw and Terminate.

Agreement operations are serialised by a per-instance mutex. Registry holds
many agreements keyed by ID.
*/
package custody
