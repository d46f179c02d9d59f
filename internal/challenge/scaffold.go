package challenge

// File names written into the sandbox on every run.
const (
	PackageJSONFile  = "package.json"
	VitestConfigFile = "vitest.config.ts"
	VitestSetupFile  = "vitest.setup.ts"
	SolutionFile     = "solution.ts"
	TestScriptFile   = "tests.spec.ts"
	ReportFile       = ".atlas-vitest-report.json"
)

const packageJSON = `{
  "name": "atlas-question-runtime",
  "private": true,
  "type": "module",
  "devDependencies": {
    "vitest": "4.0.18"
  }
}`

const vitestConfig = `import { defineConfig } from "vitest/config";

export default defineConfig({
  test: {
    include: ["tests.spec.ts"],
    environment: "node",
    globals: true,
    watch: false,
    isolate: true,
    setupFiles: ["./vitest.setup.ts"],
    testTimeout: 5000,
  },
});
`

// Generated test scripts call jest.fn(); the setup aliases it to vi.
const vitestSetup = `import { vi } from "vitest";
globalThis.jest = vi;
`

type scaffoldFile struct {
	Name    string
	Content string
}

// scaffold returns the five files in write order.
func scaffold(code, testScript string) []scaffoldFile {
	return []scaffoldFile{
		{PackageJSONFile, packageJSON},
		{VitestConfigFile, vitestConfig},
		{VitestSetupFile, vitestSetup},
		{SolutionFile, code},
		{TestScriptFile, testScript},
	}
}

// testCommand is the vitest invocation with the JSON reporter.
func testCommand() (string, []string) {
	return "npx", []string{"vitest", "run", "--config", VitestConfigFile, "--reporter=json", "--outputFile", ReportFile}
}

var testEnv = map[string]string{
	"CI":          "1",
	"NO_COLOR":    "1",
	"FORCE_COLOR": "0",
}
