// Package ir holds the value and record types shared by every tillsync package.
//
// ir imports nothing internal. Key constraints:
//   - no float types anywhere: quantities and money are int64 (money in minor units)
//   - payloads must pass MarshalCanonical before they are queued
//   - JSON tags use snake_case
package ir
