package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureFiles() map[string]string {
	authTS := strings.Join([]string{
		`import { hash } from "bcrypt"`,
		`import express from "express"`,
		`import { Session } from "./session"`,
		``,
		`export async function login(user: string, password?: string) {`,
		`  const token = hash(password)`,
		`  if (!token) {`,
		`    throw new AuthError("bad credentials")`,
		`  }`,
		`  return createSession(user, token)`,
		`}`,
		``,
		`function createSession(user: string, token: string) {`,
		`  return Session.create(user, token)`,
		`}`,
		``,
		`export class AuthService extends BaseService {`,
		`  static instance: AuthService`,
		``,
		`  login(user, password) {`,
		`    return login(user, password)`,
		`  }`,
		``,
		`  static getInstance() {`,
		`    return AuthService.instance`,
		`  }`,
		`}`,
	}, "\n")

	sessionTS := strings.Join([]string{
		`export class Session {`,
		`  static create(user: string, token: string) {`,
		`    return new Session()`,
		`  }`,
		`}`,
	}, "\n")

	utilsJS := strings.Join([]string{
		`const double = x => x * 2`,
		``,
		`export const triple = (n) => {`,
		`  return double(n) + n`,
		`}`,
	}, "\n")

	return map[string]string{
		"src/auth.ts":    authTS,
		"src/session.ts": sessionTS,
		"src/utils.js":   utilsJS,
	}
}

func buildFixtureGraph(t *testing.T) *EnhancedCodeGraph {
	t.Helper()
	builder := NewBuilder()
	t.Cleanup(builder.Close)

	g, err := builder.Build(context.Background(), fixtureFiles())
	require.NoError(t, err)
	return g
}

func TestBuilder_Build_ExtractsFunctionNodes(t *testing.T) {
	g := buildFixtureGraph(t)

	login, ok := g.Node("src/auth.ts:login")
	require.True(t, ok)
	assert.Equal(t, NodeKindFunction, login.Kind)
	assert.Equal(t, "login", login.Name)
	assert.True(t, login.IsExported)
	assert.Contains(t, login.Modifiers, "async")
	assert.Equal(t, 5, login.Location.Start)
	assert.Equal(t, 11, login.Location.End)

	createSession, ok := g.Node("src/auth.ts:createSession")
	require.True(t, ok)
	assert.False(t, createSession.IsExported)
}

func TestBuilder_Build_ExtractsSignatures(t *testing.T) {
	g := buildFixtureGraph(t)

	login, ok := g.Node("src/auth.ts:login")
	require.True(t, ok)
	require.Len(t, login.Params, 2)
	assert.Equal(t, "user", login.Params[0].Name)
	assert.False(t, login.Params[0].Optional)
	assert.Contains(t, login.Params[0].Type, "string")
	assert.Equal(t, "password", login.Params[1].Name)
	assert.True(t, login.Params[1].Optional)
}

func TestBuilder_Build_ExtractsFunctionContext(t *testing.T) {
	g := buildFixtureGraph(t)

	login, ok := g.Node("src/auth.ts:login")
	require.True(t, ok)
	require.NotNil(t, login.Context)
	assert.Contains(t, login.Context.DeclaredVariables, "token")
	assert.Contains(t, login.Context.UsedIdentifiers, "user")
	assert.Equal(t, []string{"AuthError"}, login.Context.ThrownErrors)
}

func TestBuilder_Build_ExtractsClassNodes(t *testing.T) {
	g := buildFixtureGraph(t)

	class, ok := g.Node("src/auth.ts:AuthService")
	require.True(t, ok)
	assert.Equal(t, NodeKindClass, class.Kind)
	assert.True(t, class.IsExported)
	assert.Equal(t, "BaseService", class.ExtendsFrom)

	require.Len(t, class.Properties, 1)
	assert.Equal(t, "instance", class.Properties[0].Name)
	assert.True(t, class.Properties[0].IsStatic)

	require.Len(t, class.Methods, 2)
	assert.Equal(t, "login", class.Methods[0].Name)
	assert.Equal(t, "getInstance", class.Methods[1].Name)
	assert.True(t, class.Methods[1].IsStatic)
}

func TestBuilder_Build_ExtractsImports(t *testing.T) {
	g := buildFixtureGraph(t)

	bcrypt, ok := g.Node("src/auth.ts:bcrypt")
	require.True(t, ok)
	assert.Equal(t, NodeKindImport, bcrypt.Kind)
	assert.Equal(t, []string{"hash"}, bcrypt.ImportedNames)

	express, ok := g.Node("src/auth.ts:express")
	require.True(t, ok)
	assert.Equal(t, []string{"express"}, express.ImportedNames)
}

func TestBuilder_Build_ResolvesRelativeImports(t *testing.T) {
	g := buildFixtureGraph(t)

	edges := g.Edges["src/auth.ts:./session"]
	require.Len(t, edges, 1)
	assert.Equal(t, EdgeKindImports, edges[0].Kind)
	assert.Equal(t, "src/session.ts", edges[0].To)

	// External modules keep their specifier
	external := g.Edges["src/auth.ts:bcrypt"]
	require.Len(t, external, 1)
	assert.Equal(t, "bcrypt", external[0].To)
}

func TestBuilder_Build_LinksCallEdges(t *testing.T) {
	g := buildFixtureGraph(t)

	var hasCallEdge bool
	for _, edge := range g.Edges["src/auth.ts:login"] {
		if edge.Kind == EdgeKindCalls && edge.To == "src/auth.ts:createSession" {
			hasCallEdge = true
		}
	}
	assert.True(t, hasCallEdge)

	// Called names survive even when unresolved
	require.Contains(t, g.CalledNames, "src/auth.ts:login")
	_, hasHash := g.CalledNames["src/auth.ts:login"]["hash"]
	assert.True(t, hasHash)
}

func TestBuilder_Build_CalledByUsesPredecessors(t *testing.T) {
	g := buildFixtureGraph(t)

	// createSession is called by login; login is called from the class
	assert.Equal(t, []string{"src/auth.ts:login"}, g.CalledBy("src/auth.ts:createSession"))
	assert.Contains(t, g.CalledBy("src/auth.ts:login"), "src/auth.ts:AuthService")

	// Cross-declaration link in the JS file
	assert.Equal(t, []string{"src/utils.js:triple"}, g.CalledBy("src/utils.js:double"))
}

func TestBuilder_Build_AuxiliaryMaps(t *testing.T) {
	g := buildFixtureGraph(t)

	ids := g.FileNodes["src/auth.ts"]
	require.Len(t, ids, 6)
	// Source order: three imports, two functions, one class
	assert.Equal(t, "src/auth.ts:bcrypt", ids[0])
	assert.Equal(t, "src/auth.ts:AuthService", ids[5])

	assert.Equal(t, []string{"src/session.ts:Session"}, g.NameIndex["Session"])
}

func TestBuilder_Build_SkipsUnsupportedAndBrokenFiles(t *testing.T) {
	builder := NewBuilder()
	t.Cleanup(builder.Close)

	g, err := builder.Build(context.Background(), map[string]string{
		"README.md":  "# docs",
		"src/ok.ts":  "export function fine() { return 1 }",
		"src/odd.rb": "def ruby; end",
	})

	require.NoError(t, err)
	_, ok := g.Node("src/ok.ts:fine")
	assert.True(t, ok)
	assert.Empty(t, g.FileNodes["README.md"])
	assert.Empty(t, g.FileNodes["src/odd.rb"])
}

func TestBuilder_Build_EmptyInput(t *testing.T) {
	builder := NewBuilder()
	t.Cleanup(builder.Close)

	g, err := builder.Build(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, g.Nodes)
	assert.Equal(t, Stats{}, g.Stats())
}

func TestBuilder_Build_StatsCounts(t *testing.T) {
	g := buildFixtureGraph(t)

	stats := g.Stats()
	assert.Equal(t, 9, stats.NodeCount)
	assert.Equal(t, 3, stats.FileCount)
	assert.Greater(t, stats.EdgeCount, 3)
}

func TestResolveImport(t *testing.T) {
	files := map[string]string{
		"src/session.ts":   "",
		"src/lib/index.ts": "",
		"src/styles.css":   "",
	}

	assert.Equal(t, "src/session.ts", resolveImport("src/auth.ts", "./session", files))
	assert.Equal(t, "src/lib/index.ts", resolveImport("src/auth.ts", "./lib", files))
	assert.Equal(t, "express", resolveImport("src/auth.ts", "express", files))
	assert.Equal(t, "src/missing", resolveImport("src/auth.ts", "./missing", files))
}
