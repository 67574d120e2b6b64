// Package forge turns a natural-language description of a web page into a
// running React application inside a remote sandbox.
//
// A run walks a small stage graph (planner, builder, validator, executor or
// checker) over a single run state. The builder drives a language model in a
// bounded tool-calling loop whose tools read and write files and run commands
// in a sandbox owned by the sandbox lifecycle manager.
//
// This package holds the pieces shared by every layer: the Tool contract and
// the best-effort event sink used to stream progress to callers.
package forge
