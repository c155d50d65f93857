// Package presence watches whether the user is still doing the task.
//
// A Monitor runs three independent channels while a session is Running:
//
//   - visibility: how long the task surface has been hidden
//   - idleness: how long since the last user input
//   - checkpoint: randomly timed challenges that must be acknowledged
//
// Each channel may emit advisory warnings and at most one forfeit. The
// Monitor forwards only the first forfeit to its Sink and then goes quiet.
package presence
