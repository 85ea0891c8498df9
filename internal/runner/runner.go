// Package runner knows how each supported language is compiled and run inside
// the guest image.
package runner

import (
	"fmt"

	"github.com/pyro-sandbox/pyro/internal/execution"
)

// SandboxUID and SandboxGID are the unprivileged identity baked into every
// guest image for running submitted code.
const (
	SandboxUID = 111
	SandboxGID = 111
)

const (
	rustupHome  = "/usr/local/rustup"
	cargoHome   = "/usr/local/cargo"
	rustSysroot = rustupHome + "/toolchains/1.70.0-x86_64-unknown-linux-musl"
)

// Spec is the fixed recipe for one language. An empty Compile means the
// language is interpreted and has no compile phase.
type Spec struct {
	Language   execution.Language
	SourcePath string
	Compile    []string
	CompileDir string
	CompileEnv []string
	Run        []string
	RunDir     string
}

func (s Spec) Compiled() bool {
	return len(s.Compile) > 0
}

// For returns the recipe for lang.
func For(lang execution.Language) (Spec, error) {
	switch lang {
	case execution.Python:
		return Spec{
			Language:   lang,
			SourcePath: "/tmp/code.py",
			Run:        []string{"/usr/bin/python", "/tmp/code.py"},
		}, nil
	case execution.Bash:
		return Spec{
			Language:   lang,
			SourcePath: "/tmp/code.sh",
			Run:        []string{"/bin/bash", "/tmp/code.sh"},
		}, nil
	case execution.Sh:
		return Spec{
			Language:   lang,
			SourcePath: "/tmp/code.sh",
			Run:        []string{"/bin/sh", "/tmp/code.sh"},
		}, nil
	case execution.Java:
		return Spec{
			Language:   lang,
			SourcePath: "/tmp/Main.java",
			Compile:    []string{"/usr/bin/javac", "Main.java"},
			CompileDir: "/tmp",
			Run:        []string{"/usr/bin/java", "Main"},
			RunDir:     "/tmp",
		}, nil
	case execution.Rust:
		// The image ships a pre-fetched cargo project so builds work offline.
		return Spec{
			Language:   lang,
			SourcePath: "/cargo_project/src/main.rs",
			Compile:    []string{cargoHome + "/bin/cargo", "build", "--release", "--offline", "--quiet"},
			CompileDir: "/cargo_project",
			CompileEnv: []string{
				"RUSTUP_HOME=" + rustupHome,
				"CARGO_HOME=" + cargoHome,
				"PATH=" + cargoHome + "/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
				"RUSTFLAGS=--sysroot=" + rustSysroot,
			},
			Run: []string{"/cargo_project/target/release/cargo_project"},
		}, nil
	default:
		return Spec{}, fmt.Errorf("no runner for language %q", lang)
	}
}
