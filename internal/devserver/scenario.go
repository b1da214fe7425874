package devserver

import (
	"strings"

	"github.com/Atomixxxx/mon-atelier-ia/internal/dialogue"
)

// Scenario scripts one simulated job.
type Scenario struct {
	// Chunks are streamed in order as agent output.
	Chunks []string
	// Files become available once the job completes.
	Files map[string]string
	// FailWith ends the job as failed with this message instead of
	// completing it.
	FailWith string
}

// ScenarioFunc picks the scenario for a prompt.
type ScenarioFunc func(prompt string) Scenario

// DefaultScenario generates a small project matching the prompt's category.
func DefaultScenario(prompt string) Scenario {
	var files map[string]string
	switch dialogue.DetectCategory(prompt) {
	case dialogue.CategoryRestaurant:
		files = restaurantProject
	case dialogue.CategoryTodo:
		files = todoProject
	default:
		files = dashboardProject
	}
	return Scenario{Chunks: chunk(files["src/App.tsx"], 48), Files: files}
}

// chunk splits s into pieces of at most n runes.
func chunk(s string, n int) []string {
	var out []string
	runes := []rune(s)
	for len(runes) > 0 {
		k := min(n, len(runes))
		out = append(out, string(runes[:k]))
		runes = runes[k:]
	}
	return out
}

var restaurantProject = map[string]string{
	"src/App.tsx": strings.TrimLeft(`
import React, { useState } from 'react';
import './App.css';

const dishes = [
  { name: 'Plateau sushi', price: 22 },
  { name: 'Ramen tonkotsu', price: 16 },
];

export default function RestaurantApp() {
  const [filter, setFilter] = useState('');
  return (
    <main>
      <h1>Le Comptoir</h1>
      <input value={filter} onChange={(e) => setFilter(e.target.value)} />
      <ul>{dishes.map((d) => <li key={d.name}>{d.name} {d.price} EUR</li>)}</ul>
    </main>
  );
}
`, "\n"),
	"src/App.css": "main { font-family: Georgia, serif; }\nh1 { color: #b5452b; }\n",
}

var todoProject = map[string]string{
	"src/App.tsx": strings.TrimLeft(`
import React, { useState } from 'react';

export default function TodoApp() {
  const [items, setItems] = useState<string[]>([]);
  const [draft, setDraft] = useState('');
  const add = () => { setItems([...items, draft]); setDraft(''); };
  return (
    <section>
      <input value={draft} onChange={(e) => setDraft(e.target.value)} />
      <button onClick={add}>Ajouter</button>
      <ol>{items.map((t) => <li key={t}>{t}</li>)}</ol>
    </section>
  );
}
`, "\n"),
	"src/styles.css": "section { max-width: 420px; }\n",
}

var dashboardProject = map[string]string{
	"src/App.tsx": strings.TrimLeft(`
import React from 'react';
import { StatCard } from './components/StatCard';

export default function Dashboard() {
  return (
    <div className="grid">
      <StatCard label="Visiteurs" value={1280} />
      <StatCard label="Conversion" value={3.4} />
    </div>
  );
}
`, "\n"),
	"src/components/StatCard.tsx": strings.TrimLeft(`
import React from 'react';

interface StatCardProps { label: string; value: number }

export function StatCard({ label, value }: StatCardProps) {
  return <div className="card"><span>{label}</span><strong>{value}</strong></div>;
}
`, "\n"),
	"src/index.css": ".grid { display: grid; gap: 12px; }\n.card { padding: 12px; }\n",
}
