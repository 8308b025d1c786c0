/*
Package relay is the core of the device streaming and control relay: the
session registry, per-device sessions, and viewer fan-out.

A Session is created lazily on the first viewer attach and destroyed when
the last viewer detaches or capture fails fatally. It owns exactly one
capture backend, the ancillary log and recording subprocesses, and the
gesture relay for its device. Viewers are held only for fan-out; their
connection lifetime belongs to the gateway.

Delivery is best-effort: each viewer has a bounded send buffer and the
oldest queued message is evicted under backpressure, so a slow viewer can
never stall capture or the other viewers. Frames and log lines reach a
given viewer in capture order, and the first message after attach is always
the session info message.
*/
package relay
