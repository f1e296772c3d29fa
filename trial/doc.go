// Package trial implements the TrialBuffer: a bounded, at-most-once,
// oldest-first retry queue for ciphertexts that cannot yet be decrypted
// because the local session state has not caught up with the sender's.
//
// A Target supplies the retry mechanics (TryMe, ParamID, MaxSize); Buffer
// owns the queue discipline: admission, eviction, and re-sweeping the
// whole queue whenever the environment (a new session or group key)
// changes.
package trial
