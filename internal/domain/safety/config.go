package safety

// Config holds the path-safety policy: glob patterns that deny or allow
// access, layered on top of the traversal and symlink checks that always
// apply regardless of configuration.
type Config struct {
	DeniedPaths           []string `yaml:"denied_paths" mapstructure:"denied_paths"`
	AllowedPaths          []string `yaml:"allowed_paths" mapstructure:"allowed_paths"`
	RequireConfirmation   []string `yaml:"require_confirmation" mapstructure:"require_confirmation"`
	ProtectedBranches     []string `yaml:"protected_branches" mapstructure:"protected_branches"`
}

// DefaultConfig mirrors the defaults implementers are expected to ship with.
func DefaultConfig() Config {
	return Config{
		DeniedPaths:         nil,
		AllowedPaths:        []string{"./**"},
		RequireConfirmation: []string{"git_push", "file_delete", "shell_exec"},
		ProtectedBranches:   []string{"main", "master"},
	}
}
