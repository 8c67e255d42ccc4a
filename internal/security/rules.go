package security

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule is one denylist or suspicious-pattern entry. Patterns are matched
// literally, case-insensitively, on word boundaries.
type Rule struct {
	Pattern     string   `yaml:"pattern"`
	Category    Category `yaml:"category"`
	Description string   `yaml:"description,omitempty"`
}

// Rules is the YAML overlay format:
//
//	deny:
//	  - pattern: Workbooks.Add
//	    category: DangerousFunction
//	suspicious:
//	  - pattern: Application.Wait
//	    category: SuspiciousPattern
type Rules struct {
	Deny       []Rule `yaml:"deny"`
	Suspicious []Rule `yaml:"suspicious"`
}

var patternRe = regexp.MustCompile(`^[A-Za-z_]([A-Za-z0-9_./]*[A-Za-z0-9_])?$`)

// LoadRules reads and validates a YAML rules file.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("reading rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates YAML rules.
func ParseRules(data []byte) (Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rules{}, fmt.Errorf("parsing rules: %w", err)
	}
	for i, e := range r.Deny {
		if err := e.validate(); err != nil {
			return Rules{}, fmt.Errorf("deny[%d]: %w", i, err)
		}
	}
	for i, e := range r.Suspicious {
		if err := e.validate(); err != nil {
			return Rules{}, fmt.Errorf("suspicious[%d]: %w", i, err)
		}
	}
	return r, nil
}

func (r Rule) validate() error {
	if !patternRe.MatchString(r.Pattern) {
		return fmt.Errorf("pattern %q must be an identifier (letters, digits, '_', '.', '/')", r.Pattern)
	}
	if !r.Category.valid() {
		return fmt.Errorf("unknown category %q", r.Category)
	}
	return nil
}

var defaultDeny = []Rule{
	// process and shell invocation
	{Pattern: "Shell", Category: CategorySystemCall, Description: "shell command invocation"},
	{Pattern: "ShellExecute", Category: CategorySystemCall, Description: "shell execute API"},
	{Pattern: "Environ", Category: CategorySystemCall, Description: "environment variable access"},
	{Pattern: "exec.Command", Category: CategorySystemCall, Description: "process execution"},
	{Pattern: "os/exec", Category: CategorySystemCall, Description: "process execution package"},
	{Pattern: "os.StartProcess", Category: CategorySystemCall, Description: "process execution"},
	{Pattern: "syscall", Category: CategorySystemCall, Description: "raw system call access"},

	// file system
	{Pattern: "Kill", Category: CategoryFileSystemAccess, Description: "file deletion"},
	{Pattern: "FileCopy", Category: CategoryFileSystemAccess, Description: "file copy"},
	{Pattern: "MkDir", Category: CategoryFileSystemAccess, Description: "directory creation"},
	{Pattern: "RmDir", Category: CategoryFileSystemAccess, Description: "directory removal"},
	{Pattern: "ChDir", Category: CategoryFileSystemAccess, Description: "working directory change"},
	{Pattern: "ChDrive", Category: CategoryFileSystemAccess, Description: "drive change"},
	{Pattern: "SetAttr", Category: CategoryFileSystemAccess, Description: "file attribute change"},
	{Pattern: "FileSystemObject", Category: CategoryFileSystemAccess, Description: "file system object"},
	{Pattern: "Workbooks.Open", Category: CategoryFileSystemAccess, Description: "opening files from disk"},
	{Pattern: "SaveAs", Category: CategoryFileSystemAccess, Description: "writing the workbook to disk"},
	{Pattern: "SaveCopyAs", Category: CategoryFileSystemAccess, Description: "writing a workbook copy to disk"},
	{Pattern: "os.Remove", Category: CategoryFileSystemAccess, Description: "file deletion"},
	{Pattern: "os.RemoveAll", Category: CategoryFileSystemAccess, Description: "recursive deletion"},
	{Pattern: "os.WriteFile", Category: CategoryFileSystemAccess, Description: "file write"},
	{Pattern: "os.ReadFile", Category: CategoryFileSystemAccess, Description: "file read"},
	{Pattern: "os.Create", Category: CategoryFileSystemAccess, Description: "file creation"},
	{Pattern: "os.OpenFile", Category: CategoryFileSystemAccess, Description: "file open"},

	// registry
	{Pattern: "SaveSetting", Category: CategoryRegistryAccess, Description: "registry write"},
	{Pattern: "DeleteSetting", Category: CategoryRegistryAccess, Description: "registry delete"},
	{Pattern: "RegWrite", Category: CategoryRegistryAccess, Description: "registry write"},
	{Pattern: "RegDelete", Category: CategoryRegistryAccess, Description: "registry delete"},

	// external objects
	{Pattern: "CreateObject", Category: CategoryExternalExecution, Description: "external COM object creation"},
	{Pattern: "GetObject", Category: CategoryExternalExecution, Description: "external COM object access"},
	{Pattern: "Declare", Category: CategoryExternalExecution, Description: "native API declaration"},
	{Pattern: "CallByName", Category: CategoryExternalExecution, Description: "late-bound call by name"},
	{Pattern: "WScript", Category: CategoryExternalExecution, Description: "Windows Script Host"},

	// network
	{Pattern: "XMLHTTP", Category: CategoryNetworkAccess, Description: "HTTP request object"},
	{Pattern: "MSXML2", Category: CategoryNetworkAccess, Description: "XML/HTTP library"},
	{Pattern: "WinHttp", Category: CategoryNetworkAccess, Description: "WinHTTP library"},
	{Pattern: "WinHttpRequest", Category: CategoryNetworkAccess, Description: "WinHTTP request"},
	{Pattern: "URLDownloadToFile", Category: CategoryNetworkAccess, Description: "file download"},
	{Pattern: "InternetExplorer", Category: CategoryNetworkAccess, Description: "browser automation"},
	{Pattern: "net.Dial", Category: CategoryNetworkAccess, Description: "network connection"},
	{Pattern: "http.Get", Category: CategoryNetworkAccess, Description: "HTTP request"},
	{Pattern: "http.Post", Category: CategoryNetworkAccess, Description: "HTTP request"},
	{Pattern: "http.NewRequest", Category: CategoryNetworkAccess, Description: "HTTP request"},

	// code and process control
	{Pattern: "VBProject", Category: CategoryDangerousFunction, Description: "access to the macro project"},
	{Pattern: "VBComponents", Category: CategoryDangerousFunction, Description: "access to code modules"},
	{Pattern: "CodeModule", Category: CategoryDangerousFunction, Description: "code modification"},
	{Pattern: "Application.Quit", Category: CategoryDangerousFunction, Description: "closing the host application"},
	{Pattern: "unsafe", Category: CategoryDangerousFunction, Description: "unsafe memory access"},
	{Pattern: "os.Exit", Category: CategoryDangerousFunction, Description: "process exit"},
}

var defaultSuspicious = []Rule{
	// registry reads
	{Pattern: "GetSetting", Category: CategoryRegistryAccess, Description: "registry read"},
	{Pattern: "GetAllSettings", Category: CategoryRegistryAccess, Description: "registry read"},
	{Pattern: "RegRead", Category: CategoryRegistryAccess, Description: "registry read"},
	{Pattern: "HKEY_LOCAL_MACHINE", Category: CategoryRegistryAccess, Description: "registry hive reference"},
	{Pattern: "HKEY_CURRENT_USER", Category: CategoryRegistryAccess, Description: "registry hive reference"},

	// UI automation
	{Pattern: "SendKeys", Category: CategorySuspiciousPattern, Description: "keystroke injection"},
	{Pattern: "AppActivate", Category: CategorySuspiciousPattern, Description: "window activation"},
	{Pattern: "Application.OnKey", Category: CategorySuspiciousPattern, Description: "keyboard hook"},
	{Pattern: "Application.OnTime", Category: CategorySuspiciousPattern, Description: "scheduled macro"},
	{Pattern: "DisplayAlerts", Category: CategorySuspiciousPattern, Description: "suppressing host warnings"},

	// dynamic evaluation
	{Pattern: "Evaluate", Category: CategorySuspiciousPattern, Description: "dynamic evaluation"},
	{Pattern: "Eval", Category: CategorySuspiciousPattern, Description: "dynamic evaluation"},
	{Pattern: "Execute", Category: CategorySuspiciousPattern, Description: "dynamic execution"},
	{Pattern: "ExecuteGlobal", Category: CategorySuspiciousPattern, Description: "dynamic execution"},
	{Pattern: "ExecuteExcel4Macro", Category: CategorySuspiciousPattern, Description: "legacy macro execution"},
	{Pattern: "Application.Run", Category: CategorySuspiciousPattern, Description: "indirect macro invocation"},
}
