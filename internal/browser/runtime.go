package browser

// runtimeScript installs window.__pageBridge once per document. Elements are
// addressed by keys the runtime hands out; a key whose element left the
// document resolves to null. The key table holds elements weakly and is swept
// on every full walk, so re-rendered pages do not grow it.
const runtimeScript = `(() => {
	if (window.__pageBridge) return false;
	const nodes = new Map();
	const keys = new WeakMap();
	let seq = 0;
	const keyOf = (el) => {
		let k = keys.get(el);
		if (!k) { k = 'h' + (++seq); keys.set(el, k); }
		if (!nodes.has(k)) nodes.set(k, new WeakRef(el));
		return k;
	};
	const get = (k) => {
		const ref = nodes.get(k);
		const el = ref && ref.deref();
		if (!el || !el.isConnected) { nodes.delete(k); return null; }
		return el;
	};
	const sweep = () => {
		for (const [k, ref] of nodes) {
			const el = ref.deref();
			if (!el || !el.isConnected) nodes.delete(k);
		}
	};
	const shadowOf = (el) => (el.shadowRoot && el.shadowRoot.mode === 'open') ? el.shadowRoot : null;
	const describe = (el, depth) => {
		const r = el.getBoundingClientRect();
		const cs = getComputedStyle(el);
		const attrs = {};
		for (const a of el.attributes) attrs[a.name] = a.value;
		const out = {
			key: keyOf(el),
			tag: el.tagName.toLowerCase(),
			attrs,
			rect: {x: r.x, y: r.y, width: r.width, height: r.height},
			style: {display: cs.display, visibility: cs.visibility, opacity: cs.opacity, cursor: cs.cursor},
			deep: depth > 0,
		};
		if (depth > 0) {
			out.contents = [];
			for (const c of el.childNodes) {
				if (c.nodeType === 1) out.contents.push({el: describe(c, depth - 1)});
				else if (c.nodeType === 3) out.contents.push({text: c.data});
			}
			const sr = shadowOf(el);
			if (sr) out.shadow = Array.from(sr.children, (c) => describe(c, depth - 1));
		} else {
			out.text = el.textContent || '';
		}
		return out;
	};
	const walk = (root, fn) => {
		const stack = [root];
		while (stack.length) {
			const el = stack.pop();
			fn(el);
			for (const c of el.children) stack.push(c);
			const sr = shadowOf(el);
			if (sr) for (const c of sr.children) stack.push(c);
		}
	};
	const setValue = (el, v) => {
		const proto = Object.getPrototypeOf(el);
		const desc = Object.getOwnPropertyDescriptor(proto, 'value');
		if (desc && desc.set) desc.set.call(el, v); else el.value = v;
	};
	const act = {
		setAttr: (el, name, value) => el.setAttribute(name, value),
		removeAttr: (el, name) => el.removeAttribute(name),
		scroll: (el) => el.scrollIntoView({block: 'center', inline: 'center', behavior: 'instant'}),
		mouse: (el, type, x, y) => el.dispatchEvent(new MouseEvent(type, {
			bubbles: type !== 'mouseenter', cancelable: true, composed: true,
			clientX: x, clientY: y, view: window,
		})),
		// a dispatched click already runs the activation behaviour
		activate: (el) => { if (typeof el.focus === 'function') el.focus({preventScroll: true}); },
		focus: (el) => el.focus(),
		setValue: (el, v) => setValue(el, v),
		setText: (el, v) => { el.textContent = v; },
		event: (el, type) => el.dispatchEvent(type === 'input'
			? new InputEvent('input', {bubbles: true, composed: true})
			: new Event(type, {bubbles: true})),
	};
	window.__pageBridge = {
		root: (depth) => { sweep(); return describe(document.documentElement, depth); },
		describe: (k) => { const el = get(k); return el ? describe(el, 0) : null; },
		query: (sel) => Array.from(document.querySelectorAll(sel), (el) => describe(el, 0)),
		fromPoint: (x, y) => { const el = document.elementFromPoint(x, y); return el ? describe(el, 0) : null; },
		findByAttr: (name, value) => {
			const out = [];
			walk(document.documentElement, (el) => { if (el.getAttribute(name) === value) out.push(describe(el, 0)); });
			return out;
		},
		markers: (name, marks) => {
			sweep();
			walk(document.documentElement, (el) => el.removeAttribute(name));
			for (const [ref, k] of Object.entries(marks)) { const el = get(k); if (el) el.setAttribute(name, ref); }
			return true;
		},
		value: (k) => { const el = get(k); return el ? {ok: true, value: String(el.value ?? '')} : {ok: false}; },
		act: (k, op, args) => { const el = get(k); if (!el) return false; act[op](el, ...args); return true; },
	};
	return true;
})()`

const (
	readyScript      = `() => !!window.__pageBridge`
	rootScript       = `(depth) => window.__pageBridge.root(depth)`
	describeScript   = `(key) => window.__pageBridge.describe(key)`
	queryScript      = `(sel) => window.__pageBridge.query(sel)`
	fromPointScript  = `([x, y]) => window.__pageBridge.fromPoint(x, y)`
	findByAttrScript = `([name, value]) => window.__pageBridge.findByAttr(name, value)`
	markersScript    = `([name, marks]) => window.__pageBridge.markers(name, marks)`
	valueScript      = `(key) => window.__pageBridge.value(key)`
	actScript        = `([key, op, args]) => window.__pageBridge.act(key, op, args)`
)
